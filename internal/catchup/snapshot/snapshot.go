// Package snapshot drives the online-backup protocol state machine:
// INIT -> STARTED -> STREAMING -> STOP_SENT -> STOP_DONE -> WAL_CAUGHT_UP
// -> DONE, with a FAILED terminal reachable from any state. This mirrors
// pg_probackup's do_catchup_instance backup-protocol driving code, adapted
// to an explicit Go state type instead of inline control flow.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/postgres"
	"github.com/vbp1/pg-catchup/internal/wal"
)

// dbPool is the slice of *pgxpool.Pool's method set the controller needs;
// declaring it locally (rather than taking *pgxpool.Pool directly) lets
// tests drive the state machine against pgxmock.
type dbPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// State names the snapshot controller's position in its lifecycle.
type State int

const (
	StateInit State = iota
	StateStarted
	StateStreaming
	StateStopSent
	StateStopDone
	StateWALCaughtUp
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStarted:
		return "STARTED"
	case StateStreaming:
		return "STREAMING"
	case StateStopSent:
		return "STOP_SENT"
	case StateStopDone:
		return "STOP_DONE"
	case StateWALCaughtUp:
		return "WAL_CAUGHT_UP"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// DefaultArchiveTimeout is used when the configured archive timeout is
// zero or negative; the server's archive_timeout setting is not read.
const DefaultArchiveTimeout = 5 * time.Minute

// Streamer is the subset of *wal.Receiver the controller needs: start it
// at STARTED->STREAMING and stop it. Waiting for the flushed position to
// cover the stop LSN goes through a wal.FlushWaiter instead.
type Streamer interface {
	Start(ctx context.Context) error
	Stop() error
}

// Controller drives the state machine over a source pgxpool connection and
// populates the shared CurrentOp as it progresses, matching the original's
// (start LSN, stop LSN, recovery time) population sequence.
type Controller struct {
	pool           dbPool
	state          State
	op             *model.CurrentOp
	archiveTimeout time.Duration
	stopInvoked    time.Time
}

// New constructs a Controller in StateInit against op, which must already
// carry Mode and FromReplica.
func New(pool dbPool, op *model.CurrentOp, archiveTimeout time.Duration) *Controller {
	if archiveTimeout <= 0 {
		archiveTimeout = DefaultArchiveTimeout
	}
	return &Controller{pool: pool, state: StateInit, op: op, archiveTimeout: archiveTimeout}
}

// State reports the controller's current position.
func (c *Controller) State() State { return c.state }

// StartBackup issues INIT->STARTED: requests the start LSN with a label of
// the form "<iso-timestamp> with <program-name>".
//
// destRedoLSN is the destination's prior checkpoint redo LSN for an
// incremental catchup (zero for FULL, where no prior destination exists).
// When set, the new start LSN must be at or past it: a start LSN behind
// the destination's last sync point means the destination is ahead of
// where this backup would begin, and DELTA/PTRACK's page-LSN comparisons
// would silently skip blocks they must not skip. Grounded on the original
// tool's "Current START LSN is lower than SYNC LSN" check, run immediately
// after pg_backup_start returns and before any transfer begins.
func (c *Controller) StartBackup(ctx context.Context, programName string, exclusive bool, destRedoLSN pglogrepl.LSN) error {
	if c.state != StateInit {
		return fmt.Errorf("snapshot: StartBackup called in state %s, want INIT", c.state)
	}
	label := fmt.Sprintf("%s with %s", c.op.StartTime.UTC().Format(time.RFC3339), programName)
	res, err := postgres.StartBackup(ctx, c.pool, label, exclusive, true)
	if err != nil {
		c.state = StateFailed
		return err
	}
	if destRedoLSN != 0 && res.StartLSN < destRedoLSN {
		c.state = StateFailed
		return fmt.Errorf("snapshot: current START LSN %s is lower than destination SYNC LSN %s", res.StartLSN, destRedoLSN)
	}
	c.op.StartLSN = res.StartLSN
	c.state = StateStarted
	return nil
}

// BeginStreaming issues STARTED->STREAMING: launches the WAL streamer.
// Streaming itself runs concurrently with topology materialization, the
// reaper and the transfer pool; this call only starts it and returns.
func (c *Controller) BeginStreaming(ctx context.Context, streamer Streamer) error {
	if c.state != StateStarted {
		return fmt.Errorf("snapshot: BeginStreaming called in state %s, want STARTED", c.state)
	}
	if err := streamer.Start(ctx); err != nil {
		c.state = StateFailed
		return err
	}
	c.state = StateStreaming
	return nil
}

// RestorePointName is deterministic per operation so retries (if any were
// ever added) would not create unbounded restore points; it is not used
// for anything beyond the side effect pg_create_restore_point performs.
func RestorePointName(op *model.CurrentOp) string {
	return fmt.Sprintf("catchup_%s", op.StartTime.UTC().Format("20060102T150405Z"))
}

// MaybeCreateRestorePoint creates a named restore point unless the source
// is a replica capable of non-exclusive backup (where it would be
// redundant) or the connected role is not a superuser.
func (c *Controller) MaybeCreateRestorePoint(ctx context.Context, info *postgres.ServerInfo) error {
	if c.op.FromReplica && !info.ExclusiveBackupRequired() {
		return nil
	}
	if !info.IsSuperuser {
		return nil
	}
	return postgres.CreateRestorePoint(ctx, c.pool, RestorePointName(c.op))
}

// SendStop issues STREAMING->STOP_SENT->STOP_DONE: silences client
// messages, sends stop-backup (bounded by archiveTimeout), and records the
// stop LSN, snapshot xid and backup-label content into CurrentOp.
func (c *Controller) SendStop(ctx context.Context, exclusive bool) error {
	if c.state != StateStreaming {
		return fmt.Errorf("snapshot: SendStop called in state %s, want STREAMING", c.state)
	}
	if err := postgres.SilentClientMessages(ctx, c.pool); err != nil {
		c.state = StateFailed
		return err
	}
	c.state = StateStopSent

	stopCtx, cancel := context.WithTimeout(ctx, c.archiveTimeout)
	defer cancel()

	res, err := postgres.StopBackup(stopCtx, c.pool, exclusive, c.op.FromReplica)
	if err != nil {
		c.state = StateFailed
		return fmt.Errorf("stop-backup: %w", err)
	}
	c.op.StopLSN = res.StopLSN
	c.op.SnapshotXID = res.SnapshotXID
	c.op.BackupLabel = res.LabelContent
	c.stopInvoked = res.InvocationTime
	c.state = StateStopDone
	return nil
}

// AwaitWALCaughtUp issues STOP_DONE->WAL_CAUGHT_UP: blocks until the
// streamer's flushed position is >= stop LSN.
func (c *Controller) AwaitWALCaughtUp(ctx context.Context, waiter wal.FlushWaiter) error {
	if c.state != StateStopDone {
		return fmt.Errorf("snapshot: AwaitWALCaughtUp called in state %s, want STOP_DONE", c.state)
	}
	deadline, cancel := context.WithTimeout(ctx, c.archiveTimeout)
	defer cancel()
	if err := waiter.WaitFlushed(deadline, c.op.StopLSN); err != nil {
		c.state = StateFailed
		return fmt.Errorf("await WAL flush past stop LSN: %w", err)
	}
	c.state = StateWALCaughtUp
	return nil
}

// Finish issues WAL_CAUGHT_UP->DONE: scans streamed WAL between start and
// stop LSN for the latest commit timestamp. When none is found, or the
// scan fails, it falls back to the time SendStop invoked stop-backup, or
// to fallback if SendStop recorded no such time.
func (c *Controller) Finish(ctx context.Context, walDir string, scanner wal.CommitScanner, fallback time.Time) error {
	if c.state != StateWALCaughtUp {
		return fmt.Errorf("snapshot: Finish called in state %s, want WAL_CAUGHT_UP", c.state)
	}
	ts, found, err := scanner.LatestCommitTimestamp(ctx, walDir, c.op.TLI, c.op.StartLSN, c.op.StopLSN)
	if err != nil || !found {
		c.op.RecoveryTime = fallback
		if !c.stopInvoked.IsZero() {
			c.op.RecoveryTime = c.stopInvoked.UTC()
		}
	} else {
		c.op.RecoveryTime = ts
	}
	c.state = StateDone
	return nil
}

// Fail transitions to FAILED from any state, recording that the operation
// is terminally unusable.
func (c *Controller) Fail() { c.state = StateFailed }
