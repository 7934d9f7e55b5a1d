package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
)

type fakeStreamer struct{ startErr error }

func (f fakeStreamer) Start(ctx context.Context) error { return f.startErr }
func (f fakeStreamer) Stop() error                     { return nil }

func TestControllerHappyPath(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	defer mock.Close()

	op := &model.CurrentOp{StartTime: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}
	c := New(mock, op, time.Second)

	mock.ExpectQuery("pg_backup_start").
		WillReturnRows(pgxmock.NewRows([]string{"pg_backup_start"}).AddRow("0/3000098"))
	if err := c.StartBackup(context.Background(), "pg-catchup", false, 0); err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	if c.State() != StateStarted {
		t.Fatalf("state = %s, want STARTED", c.State())
	}

	if err := c.BeginStreaming(context.Background(), fakeStreamer{}); err != nil {
		t.Fatalf("BeginStreaming: %v", err)
	}
	if c.State() != StateStreaming {
		t.Fatalf("state = %s, want STREAMING", c.State())
	}

	mock.ExpectExec("SET client_min_messages").WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectQuery("pg_backup_stop").
		WillReturnRows(pgxmock.NewRows([]string{"lsn", "labelfile", "spcmapfile"}).
			AddRow("0/5000060", "START WAL LOCATION...", ""))
	mock.ExpectQuery("txid_current_snapshot").
		WillReturnRows(pgxmock.NewRows([]string{"txid_current_snapshot"}).AddRow("100:100:"))

	if err := c.SendStop(context.Background(), false); err != nil {
		t.Fatalf("SendStop: %v", err)
	}
	if c.State() != StateStopDone {
		t.Fatalf("state = %s, want STOP_DONE", c.State())
	}
	if op.StopLSN.String() != "0/5000060" {
		t.Errorf("StopLSN = %s", op.StopLSN)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStartBackupRejectsWrongState(t *testing.T) {
	mock, _ := pgxmock.NewPool()
	defer mock.Close()
	op := &model.CurrentOp{StartTime: time.Now().UTC()}
	c := New(mock, op, time.Second)
	c.state = StateStreaming
	if err := c.StartBackup(context.Background(), "pg-catchup", false, 0); err == nil {
		t.Fatal("expected error calling StartBackup outside INIT")
	}
}

func TestStartBackupRejectsStartLSNBehindDestinationSync(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	defer mock.Close()

	op := &model.CurrentOp{StartTime: time.Now().UTC()}
	c := New(mock, op, time.Second)

	mock.ExpectQuery("pg_backup_start").
		WillReturnRows(pgxmock.NewRows([]string{"pg_backup_start"}).AddRow("0/3000098"))

	destRedoLSN, err := pglogrepl.ParseLSN("0/5000060")
	if err != nil {
		t.Fatalf("ParseLSN: %v", err)
	}
	if err := c.StartBackup(context.Background(), "pg-catchup", false, destRedoLSN); err == nil {
		t.Fatal("expected error when start LSN is behind the destination's sync LSN")
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", c.State())
	}
}

func TestRestorePointNameIsDeterministic(t *testing.T) {
	op := &model.CurrentOp{StartTime: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)}
	a := RestorePointName(op)
	b := RestorePointName(op)
	if a != b {
		t.Errorf("RestorePointName not deterministic: %q vs %q", a, b)
	}
}
