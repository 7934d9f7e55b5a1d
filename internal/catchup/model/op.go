package model

import (
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
)

// CurrentOp is the process-wide state for one catchup invocation. It is
// constructed by the orchestrator once preflight has passed, populated
// by the snapshot controller (TLI by the orchestrator), its byte
// counters accumulated by the transfer pool, and read by finalize. All
// fields reachable from other goroutines (the byte counters) are
// guarded by mu.
type CurrentOp struct {
	StartTime time.Time
	Mode      BackupMode
	FromReplica bool

	StartLSN pglogrepl.LSN
	StopLSN  pglogrepl.LSN
	TLI      uint32

	SnapshotXID   string
	RecoveryTime  time.Time
	BackupLabel   []byte

	mu          sync.Mutex
	bytesRead   int64
	bytesWritten int64
	filesCopied int64
}

// AddBytes accumulates per-worker counters. Safe for concurrent use from
// the transfer pool.
func (o *CurrentOp) AddBytes(read, written int64) {
	o.mu.Lock()
	o.bytesRead += read
	o.bytesWritten += written
	o.filesCopied++
	o.mu.Unlock()
}

// Totals returns the aggregate byte/file counters recorded so far.
func (o *CurrentOp) Totals() (bytesRead, bytesWritten, filesCopied int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bytesRead, o.bytesWritten, o.filesCopied
}
