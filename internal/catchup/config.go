// Package catchup wires the whole pipeline into one end-to-end run:
// preflight, the online-backup protocol, topology materialization,
// reaping and the parallel block-aware transfer, followed by
// finalization.
package catchup

import (
	"fmt"
	"time"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
)

// ProgramName identifies this tool in the backup label text the server
// records, the same way any pg_basebackup-alike names itself there.
const ProgramName = "pg-catchup"

// Config is the plain, already-validated set of parameters one catchup
// invocation runs with, assembled by the CLI layer from flags and
// environment variables before Run is called.
type Config struct {
	// Connection to the source server.
	PGHost     string
	PGPort     int
	PGUser     string
	PGDatabase string

	// BackupMode selects FULL/DELTA/PTRACK reconciliation.
	BackupMode string

	// SourcePgdata and DestinationPgdata are absolute paths on their
	// respective hosts.
	SourcePgdata      string
	DestinationPgdata string

	// LocalSource is true when the source pgdata is reachable on this
	// host directly; false routes every source-side filesystem
	// operation through SSH.
	LocalSource bool
	SSHHost     string
	SSHUser     string
	SSHKey      string
	InsecureSSH bool

	// Threads bounds the transfer pool's worker count.
	Threads int

	// TablespaceMapping holds repeated --tablespace-mapping=OLD=NEW
	// flag values, unparsed.
	TablespaceMapping []string

	// NoSync disables the finalizer's fsync pass, for fast iteration in
	// non-production use; the default is to sync.
	NoSync bool

	// UseSlot names a replication slot for pg_receivewal; empty means
	// no slot.
	UseSlot string

	// ArchiveTimeout bounds how long SendStop and AwaitWALCaughtUp wait
	// for the server/streamer; zero uses snapshot.DefaultArchiveTimeout.
	ArchiveTimeout time.Duration

	// KeepRunTmp retains the per-run temporary directory (WAL staging)
	// after the process exits, for post-mortem debugging.
	KeepRunTmp bool

	// Progress renders a byte-progress bar over the transfer pool's work.
	Progress bool

	Verbose bool
	Debug   bool
}

// Validate rejects configurations that cannot even be attempted, the
// configuration-error class described in the error-handling design: these
// must fail before any connection is opened or any side effect occurs.
func (c *Config) Validate() error {
	if c.SourcePgdata == "" {
		return fmt.Errorf("config: --source-pgdata is required")
	}
	if c.DestinationPgdata == "" {
		return fmt.Errorf("config: --destination-pgdata is required")
	}
	if _, err := model.ParseBackupMode(c.BackupMode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !c.LocalSource && c.SSHHost == "" {
		return fmt.Errorf("config: remote source requires --ssh-host (or set --local-source)")
	}
	if c.Threads < 0 {
		return fmt.Errorf("config: --threads must be >= 0")
	}
	return nil
}
