package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

func TestScanSortsAndClassifiesDatafiles(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "base", "1", "16385"), "relation")
	write(t, filepath.Join(root, "base", "1", "16385_fsm"), "fsm")
	write(t, filepath.Join(root, "base", "1", "16385.1"), "segment")
	write(t, filepath.Join(root, "base", "1", "PG_VERSION"), "16")
	write(t, filepath.Join(root, "global", "pg_control"), "ctl")

	entries, err := Scan(context.Background(), remoteio.Local{}, root)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	for i := 1; i < len(entries); i++ {
		if entries[i-1].RelPath >= entries[i].RelPath {
			t.Fatalf("entries not strictly ascending at %d: %q >= %q", i, entries[i-1].RelPath, entries[i].RelPath)
		}
	}

	byPath := map[string]model.FileEntry{}
	for _, e := range entries {
		byPath[e.RelPath] = e
	}

	cases := map[string]bool{
		"base/1/16385":      true,
		"base/1/16385_fsm":  true,
		"base/1/16385.1":    true,
		"base/1/PG_VERSION": false,
		"global/pg_control": false,
	}
	for rel, wantDatafile := range cases {
		e, ok := byPath[rel]
		if !ok {
			t.Fatalf("missing entry %q", rel)
		}
		if e.IsDatafile != wantDatafile {
			t.Errorf("%s: IsDatafile = %v, want %v", rel, e.IsDatafile, wantDatafile)
		}
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}
