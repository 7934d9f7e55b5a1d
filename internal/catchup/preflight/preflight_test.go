package preflight

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/vbp1/pg-catchup/internal/catchup/controlfile"
	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
	"github.com/vbp1/pg-catchup/internal/catchup/tablespace"
	"github.com/vbp1/pg-catchup/internal/postgres"
)

// fakeCap is a minimal remoteio.Capability stub; only the methods preflight
// actually calls need to do anything useful.
type fakeCap struct {
	postmasterLive bool
	postmasterErr  error
	statErr        map[string]error
	listErr        map[string]error
}

func (f fakeCap) List(ctx context.Context, root string) ([]remoteio.ListedFile, error) {
	if err, ok := f.listErr[root]; ok {
		return nil, err
	}
	return nil, nil
}
func (fakeCap) Open(ctx context.Context, path string, off int64) (io.ReadCloser, error) { return nil, nil }
func (fakeCap) Create(ctx context.Context, path string, mode uint32) (io.WriteCloser, error) {
	return nil, nil
}
func (fakeCap) WriteAt(ctx context.Context, path string, off int64, data []byte) error { return nil }
func (fakeCap) Mkdir(ctx context.Context, path string, mode uint32) error              { return nil }
func (fakeCap) Readlink(ctx context.Context, path string) (string, error)              { return "", nil }
func (fakeCap) Symlink(ctx context.Context, target, path string) error                 { return nil }
func (fakeCap) Sync(ctx context.Context, path string) error                            { return nil }
func (fakeCap) Delete(ctx context.Context, path string) error                          { return nil }
func (f fakeCap) CheckPostmaster(ctx context.Context, pgdata string) (int, bool, error) {
	return 1, f.postmasterLive, f.postmasterErr
}
func (fakeCap) ReadControlFile(ctx context.Context, pgdata string) ([]byte, error) { return nil, nil }
func (f fakeCap) Stat(ctx context.Context, path string) (remoteio.ListedFile, error) {
	if err, ok := f.statErr[path]; ok {
		return remoteio.ListedFile{}, err
	}
	return remoteio.ListedFile{}, errors.New("not found")
}
func (fakeCap) Close() error { return nil }

type fakeFetcher struct{}

func (fakeFetcher) TimelineHistory(ctx context.Context, tli uint32) ([]byte, error) {
	return []byte(""), nil
}

func baseParams(t *testing.T) Params {
	t.Helper()
	m, err := tablespace.NewMap(nil)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	return Params{
		Mode:             model.ModeFull,
		DestinationEmpty: true,
		DestCap:          fakeCap{},
		DestPgdata:       "/dest",
		SourceCap:        fakeCap{},
		SourcePgdata:     "/src",
		LocalSource:      true,
		ServerInfo:       &postgres.ServerInfo{ServerVersion: 160000, SystemIdentifier: 42},
		SourceControl:    &controlfile.ControlFile{SystemIdentifier: 42, CheckPointTLI: 1},
		TablespaceMap:    m,
		HistoryFetcher:   fakeFetcher{},
	}
}

func TestRunFullModeHappyPath(t *testing.T) {
	res, err := Run(context.Background(), baseParams(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatal("expected OK")
	}
}

func TestRunFullModeRejectsNonEmptyDestination(t *testing.T) {
	p := baseParams(t)
	p.DestinationEmpty = false
	p.DestControl = &controlfile.ControlFile{SystemIdentifier: 42, State: controlfile.StateShutdown}
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error for non-empty destination under FULL mode")
	}
}

func TestRunRejectsLivePostmaster(t *testing.T) {
	p := baseParams(t)
	p.DestCap = fakeCap{postmasterLive: true}
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error for live postmaster")
	}
}

func TestRunRejectsSystemIdentifierMismatch(t *testing.T) {
	p := baseParams(t)
	p.ServerInfo = &postgres.ServerInfo{ServerVersion: 160000, SystemIdentifier: 999}
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error for system identifier mismatch")
	}
}

func TestRunRejectsPtrackDisabled(t *testing.T) {
	p := baseParams(t)
	p.Mode = model.ModePtrack
	p.DestinationEmpty = false
	p.DestControl = &controlfile.ControlFile{SystemIdentifier: 42, CheckPointTLI: 1, State: controlfile.StateShutdown}
	p.ServerInfo.PtrackVersion = "2.1"
	p.ServerInfo.PtrackEnabled = false
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error for disabled ptrack")
	}
}

func TestRunAcceptsPtrackWhenLSNWithinCheckpoint(t *testing.T) {
	p := baseParams(t)
	p.Mode = model.ModePtrack
	p.DestinationEmpty = false
	p.DestControl = &controlfile.ControlFile{SystemIdentifier: 42, CheckPointTLI: 1, State: controlfile.StateShutdown, RedoLSN: 0x5000060}
	p.ServerInfo.PtrackVersion = "2.1"
	p.ServerInfo.PtrackEnabled = true
	p.ServerInfo.PtrackLSN = 0x4000000
	res, err := Run(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatal("expected OK")
	}
}

func TestRunRejectsPtrackLSNAheadOfCheckpoint(t *testing.T) {
	p := baseParams(t)
	p.Mode = model.ModePtrack
	p.DestinationEmpty = false
	p.DestControl = &controlfile.ControlFile{SystemIdentifier: 42, CheckPointTLI: 1, State: controlfile.StateShutdown, RedoLSN: 0x4000000}
	p.ServerInfo.PtrackVersion = "2.1"
	p.ServerInfo.PtrackEnabled = true
	p.ServerInfo.PtrackLSN = 0x5000060
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error when ptrack control LSN exceeds destination checkpoint LSN")
	}
}

func TestRunRejectsInvalidPtrackLSN(t *testing.T) {
	p := baseParams(t)
	p.Mode = model.ModePtrack
	p.DestinationEmpty = false
	p.DestControl = &controlfile.ControlFile{SystemIdentifier: 42, CheckPointTLI: 1, State: controlfile.StateShutdown, RedoLSN: 0x4000000}
	p.ServerInfo.PtrackVersion = "2.1"
	p.ServerInfo.PtrackEnabled = true
	p.ServerInfo.PtrackLSN = 0
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error when ptrack control LSN is invalid")
	}
}

func TestRunRejectsReplicaSourceTooOld(t *testing.T) {
	p := baseParams(t)
	p.FromReplica = true
	p.ServerInfo.ServerVersion = 90500
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error for replica source below version threshold")
	}
}

func TestRunLocalUnmappedTablespaceFatal(t *testing.T) {
	p := baseParams(t)
	p.SourceTablespaces = []string{"/srv/ts1"}
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error for unmapped tablespace on local source")
	}
}

func TestRunRemoteUnmappedTablespaceWarns(t *testing.T) {
	p := baseParams(t)
	p.LocalSource = false
	p.SourceTablespaces = []string{"/srv/ts1"}
	res, err := Run(context.Background(), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", res.Warnings)
	}
}

func TestRunRejectsStaleBackupLabel(t *testing.T) {
	p := baseParams(t)
	p.Mode = model.ModeDelta
	p.DestinationEmpty = false
	p.DestControl = &controlfile.ControlFile{SystemIdentifier: 42, State: controlfile.StateShutdown}
	p.DestCap = fakeCap{statErr: map[string]error{"/dest/backup_label": nil}}
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error for stale backup_label")
	}
}

func TestRunIgnoresDiskSpaceForNonLocalDestCap(t *testing.T) {
	p := baseParams(t)
	p.RequiredBytes = 1 << 62 // absurdly large; fakeCap is not remoteio.Local, so this must be skipped
	if _, err := Run(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunAcceptsDiskSpaceWithinLocalFreeBytes(t *testing.T) {
	p := baseParams(t)
	p.DestCap = remoteio.Local{}
	p.DestPgdata = t.TempDir()
	p.RequiredBytes = 1
	if _, err := Run(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunRejectsDiskSpaceExceedingLocalFree(t *testing.T) {
	p := baseParams(t)
	p.DestCap = remoteio.Local{}
	p.DestPgdata = t.TempDir()
	p.RequiredBytes = 1 << 62
	if _, err := Run(context.Background(), p); err == nil {
		t.Fatal("expected error for disk space exceeding free bytes")
	}
}
