package timeline

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
)

const historyDoc = "1\t0/3000098\tno recovery target specified\n" +
	"2\t0/5000060\tno recovery target specified\n"

func TestParseAndSatisfies(t *testing.T) {
	h, err := Parse([]byte(historyDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(h.Entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(h.Entries))
	}

	// Destination sits on timeline 1 at an LSN before the switch: satisfied.
	if !Satisfies(h, 3, 1, mustLSN(t, "0/2000000")) {
		t.Error("expected destination on ancestor timeline before switch to satisfy")
	}
	// Destination sits on timeline 1 at an LSN after its switch-away point: not satisfied.
	if Satisfies(h, 3, 1, mustLSN(t, "0/4000000")) {
		t.Error("expected destination past the switch point to fail")
	}
	// Destination already on the source's current timeline always satisfies.
	if !Satisfies(h, 3, 3, mustLSN(t, "0/9999999")) {
		t.Error("expected same-timeline destination to always satisfy")
	}
	// Destination on a timeline absent from history: not satisfied.
	if Satisfies(h, 3, 7, mustLSN(t, "0/1000000")) {
		t.Error("expected unknown timeline to fail")
	}
}

func TestParentOf(t *testing.T) {
	h, _ := Parse([]byte(historyDoc))
	parent, found := ParentOf(h, 2)
	if !found || parent != 1 {
		t.Errorf("ParentOf(2) = (%d, %v), want (1, true)", parent, found)
	}
	if _, found := ParentOf(h, 99); found {
		t.Error("expected ParentOf(99) not found")
	}
}

type fakeFetcher struct {
	doc []byte
	err error
}

func (f fakeFetcher) TimelineHistory(ctx context.Context, tli uint32) ([]byte, error) {
	return f.doc, f.err
}

func TestValidateTimelineOneHasNoHistory(t *testing.T) {
	dec, err := Validate(context.Background(), fakeFetcher{}, 1, 1, mustLSN(t, "0/1000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.OK {
		t.Error("expected OK when both source and dest are on timeline 1")
	}
}

func TestValidateTimelineOneMismatchIsError(t *testing.T) {
	if _, err := Validate(context.Background(), fakeFetcher{}, 1, 2, mustLSN(t, "0/1000000")); err == nil {
		t.Fatal("expected error when source is on timeline 1 but destination is not")
	}
}

func TestValidateUsesFetchedHistory(t *testing.T) {
	dec, err := Validate(context.Background(), fakeFetcher{doc: []byte(historyDoc)}, 3, 1, mustLSN(t, "0/2000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.OK || dec.Parent != 0 {
		t.Errorf("decision = %+v, want OK with parent 0", dec)
	}
}

func mustLSN(t *testing.T, s string) pglogrepl.LSN {
	t.Helper()
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		t.Fatalf("parse lsn %q: %v", s, err)
	}
	return lsn
}
