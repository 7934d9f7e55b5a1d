package finalize

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/jackc/pglogrepl"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

type fakeCap struct {
	files       map[string][]byte
	synced      []string
	controlFile []byte
}

func newFakeCap() *fakeCap {
	return &fakeCap{files: map[string][]byte{}}
}

func (c *fakeCap) List(ctx context.Context, root string) ([]remoteio.ListedFile, error) { return nil, nil }
func (c *fakeCap) Open(ctx context.Context, path string, off int64) (io.ReadCloser, error) {
	return nil, nil
}

type fakeWriter struct {
	c    *fakeCap
	path string
	buf  bytes.Buffer
}

func (w *fakeWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeWriter) Close() error {
	w.c.files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

func (c *fakeCap) Create(ctx context.Context, path string, mode uint32) (io.WriteCloser, error) {
	return &fakeWriter{c: c, path: path}, nil
}
func (c *fakeCap) WriteAt(ctx context.Context, path string, off int64, data []byte) error { return nil }
func (c *fakeCap) Mkdir(ctx context.Context, path string, mode uint32) error              { return nil }
func (c *fakeCap) Readlink(ctx context.Context, path string) (string, error)              { return "", nil }
func (c *fakeCap) Symlink(ctx context.Context, target, path string) error                 { return nil }
func (c *fakeCap) Sync(ctx context.Context, path string) error {
	c.synced = append(c.synced, path)
	return nil
}
func (c *fakeCap) Delete(ctx context.Context, path string) error { return nil }
func (c *fakeCap) CheckPostmaster(ctx context.Context, pgdata string) (int, bool, error) {
	return 0, false, nil
}
func (c *fakeCap) ReadControlFile(ctx context.Context, pgdata string) ([]byte, error) {
	return c.controlFile, nil
}
func (c *fakeCap) Stat(ctx context.Context, path string) (remoteio.ListedFile, error) {
	return remoteio.ListedFile{}, nil
}
func (c *fakeCap) Close() error { return nil }

func buildControlFile(sysID uint64, state int32, tli uint32) []byte {
	raw := make([]byte, 128)
	binary.LittleEndian.PutUint64(raw[8:], sysID)
	binary.LittleEndian.PutUint32(raw[24:], uint32(state))
	binary.LittleEndian.PutUint32(raw[64:], tli)
	return raw
}

func TestRunCopiesControlFileAndBackupLabel(t *testing.T) {
	src := newFakeCap()
	src.controlFile = buildControlFile(42, 2, 1)
	dst := newFakeCap()

	op := &model.CurrentOp{BackupLabel: []byte("START WAL LOCATION: 0/3000098\n"), StopLSN: pglogrepl.LSN(0x5000060), TLI: 1}

	p := Params{SourceCap: src, DestCap: dst, SourceRoot: "/src", DestRoot: "/dst", Op: op, Sync: false}
	if err := Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !bytes.Equal(dst.files["/dst/"+ControlFileRelPath], src.controlFile) {
		t.Error("control file was not copied verbatim for a non-replica source")
	}
	if string(dst.files["/dst/"+BackupLabelFile]) != "START WAL LOCATION: 0/3000098\n" {
		t.Error("backup_label content mismatch")
	}
	if _, wrote := dst.files["/dst/tablespace_map"]; wrote {
		t.Error("finalize must never write a tablespace_map file")
	}
}

func TestRunPatchesMinRecoveryPointForReplicaSource(t *testing.T) {
	src := newFakeCap()
	src.controlFile = buildControlFile(42, 2, 1)
	dst := newFakeCap()

	op := &model.CurrentOp{
		BackupLabel: []byte("label"),
		FromReplica: true,
		StopLSN:     pglogrepl.LSN(0x5000060),
		TLI:         1,
	}

	p := Params{SourceCap: src, DestCap: dst, SourceRoot: "/src", DestRoot: "/dst", Op: op}
	if err := Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := dst.files["/dst/"+ControlFileRelPath]
	if bytes.Equal(got, src.controlFile) {
		t.Error("expected the min-recovery-point patch to change the control file image")
	}
	minRecLSN := binary.LittleEndian.Uint64(got[80:])
	if minRecLSN != uint64(op.StopLSN) {
		t.Errorf("patched minRecoveryPoint = %x, want %x", minRecLSN, uint64(op.StopLSN))
	}
}

func TestRunFsyncsEveryRegularFileWithPositiveWriteSize(t *testing.T) {
	src := newFakeCap()
	src.controlFile = buildControlFile(42, 2, 1)
	dst := newFakeCap()

	op := &model.CurrentOp{BackupLabel: []byte("label")}
	source := []model.FileEntry{
		{RelPath: "base", Kind: model.KindDirectory},
		{RelPath: "base/1/16385", Kind: model.KindRegular, WriteSize: 8192},
		{RelPath: "base/1/16386", Kind: model.KindRegular, WriteSize: model.BytesInvalid},
	}

	p := Params{SourceCap: src, DestCap: dst, SourceRoot: "/src", DestRoot: "/dst", Op: op, Source: source, Sync: true}
	if err := Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantSynced := map[string]bool{"/dst/base/1/16385": true, "/dst/" + ControlFileRelPath: true}
	if len(dst.synced) != len(wantSynced) {
		t.Fatalf("synced = %v, want exactly %v", dst.synced, wantSynced)
	}
	for _, s := range dst.synced {
		if !wantSynced[s] {
			t.Errorf("unexpected sync of %q", s)
		}
	}
}

func TestRunRejectsMissingBackupLabel(t *testing.T) {
	src := newFakeCap()
	src.controlFile = buildControlFile(42, 2, 1)
	dst := newFakeCap()

	p := Params{SourceCap: src, DestCap: dst, SourceRoot: "/src", DestRoot: "/dst", Op: &model.CurrentOp{}}
	if err := Run(context.Background(), p); err == nil {
		t.Fatal("expected an error when no backup_label content was recorded")
	}
}
