// Package remoteio models a "local vs ssh host" capability: every
// component that touches a filesystem takes this capability as a
// parameter instead of branching on a global "are we remote" flag. Local
// operates through the standard library directly; SSH runs shell commands
// over a single persistent SSH connection (internal/ssh).
package remoteio

import (
	"context"
	"io"
	"time"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
)

// ListedFile is what the directory listing capability reports for one
// filesystem entry, before the scanner turns it into a model.FileEntry.
type ListedFile struct {
	RelPath    string
	Kind       model.Kind
	Mode       uint32
	Size       int64
	LinkTarget string
}

// Capability is implemented by Local and SSH-backed remote hosts.
type Capability interface {
	// List walks root and returns entries sorted ascending by RelPath,
	// recording symlinks themselves as entries with their target, and
	// skipping temporary/runtime-only files (postmaster.pid, stats temp
	// dirs). Local also follows symlinks to directories and lists their
	// contents; SSH does not.
	List(ctx context.Context, root string) ([]ListedFile, error)

	// Open returns a reader for the regular file at path, starting at
	// offset off.
	Open(ctx context.Context, path string, off int64) (io.ReadCloser, error)

	// Create truncates/creates path and returns a writer positioned at 0.
	Create(ctx context.Context, path string, mode uint32) (io.WriteCloser, error)

	// WriteAt writes data to path at the given offset; the file must
	// already exist and be large enough, or be extended by the write.
	WriteAt(ctx context.Context, path string, off int64, data []byte) error

	Mkdir(ctx context.Context, path string, mode uint32) error
	Readlink(ctx context.Context, path string) (string, error)
	Symlink(ctx context.Context, target, path string) error
	Sync(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error

	// CheckPostmaster reports the pid recorded in pgdata/postmaster.pid
	// and whether a live process owns it; err is non-nil when that file
	// cannot be parsed, not for a missing file or a dead pid.
	CheckPostmaster(ctx context.Context, pgdata string) (pid int, live bool, err error)

	// ReadControlFile returns the raw bytes of pgdata/global/pg_control.
	ReadControlFile(ctx context.Context, pgdata string) ([]byte, error)

	// Stat returns size/kind for a single path; used by preflight's stale
	// backup_label check and by the transfer copiers to detect a source
	// file that vanished after the scan.
	Stat(ctx context.Context, path string) (ListedFile, error)

	// Close releases host-specific resources (an SSH session, say).
	Close() error
}

// DefaultPollInterval is a poll pacing value for capability-based waits.
// The WAL flush wait does not use it: wal.DirPoller paces itself with
// wal.DefaultPollInterval.
const DefaultPollInterval = 500 * time.Millisecond
