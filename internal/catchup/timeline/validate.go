package timeline

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// HistoryFetcher fetches the raw TIMELINE_HISTORY document for tli from the
// source connection; implemented by internal/postgres against a real
// server and by a fake in tests.
type HistoryFetcher interface {
	TimelineHistory(ctx context.Context, tli uint32) ([]byte, error)
}

// Decision is the outcome of validating a destination's redo point against
// the source's timeline history.
type Decision struct {
	OK     bool
	Parent uint32 // the destination's timeline's parent, if known
}

// Validate fetches the source's history for currentTLI (skipping the fetch
// entirely when currentTLI==1, which has no history document by
// definition) and evaluates Satisfies against (destTLI, destLSN).
//
// Edge cases: timeline 1 has no history file, so the source being on
// timeline 1 only satisfies a destination that is also on timeline 1. A
// missing history document for any other timeline is an error, not a
// silent pass.
func Validate(ctx context.Context, hf HistoryFetcher, currentTLI, destTLI uint32, destLSN pglogrepl.LSN) (Decision, error) {
	if currentTLI == 1 {
		if destTLI != 1 {
			return Decision{}, fmt.Errorf("source is on timeline 1 (no history) but destination is on timeline %d", destTLI)
		}
		return Decision{OK: true, Parent: 0}, nil
	}

	doc, err := hf.TimelineHistory(ctx, currentTLI)
	if err != nil {
		return Decision{}, fmt.Errorf("fetch timeline %d history: %w", currentTLI, err)
	}
	h, err := Parse(doc)
	if err != nil {
		return Decision{}, err
	}
	if !Satisfies(h, currentTLI, destTLI, destLSN) {
		return Decision{OK: false}, nil
	}
	parent, _ := ParentOf(h, destTLI)
	return Decision{OK: true, Parent: parent}, nil
}
