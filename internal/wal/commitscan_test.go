package wal

import (
	"testing"
	"time"
)

const sampleWaldumpOutput = `rmgr: Transaction len (rec/tot):     34/    34, tx:        742, lsn: 0/03000098, prev 0/03000060, desc: COMMIT 2026-07-30 10:15:00.123456 UTC
rmgr: Heap        len (rec/tot):     54/    54, tx:        743, lsn: 0/030000D0, prev 0/03000098, desc: INSERT off 1
rmgr: Transaction len (rec/tot):     34/    34, tx:        744, lsn: 0/03000108, prev 0/030000D0, desc: COMMIT 2026-07-30 10:16:05.654321 UTC
`

func TestParseLatestCommitPicksLastOne(t *testing.T) {
	ts, found, err := ParseLatestCommit([]byte(sampleWaldumpOutput))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !found {
		t.Fatal("expected a commit timestamp to be found")
	}
	want := time.Date(2026, 7, 30, 10, 16, 5, 654321000, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("ts = %v, want %v", ts, want)
	}
}

func TestParseLatestCommitNoneFound(t *testing.T) {
	_, found, err := ParseLatestCommit([]byte("rmgr: Heap len: 1 tx: 1 lsn: 0/01 desc: INSERT\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if found {
		t.Fatal("expected no commit found")
	}
}
