package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vbp1/pg-catchup/internal/catchup"
	"github.com/vbp1/pg-catchup/internal/debug"
	"github.com/vbp1/pg-catchup/internal/lock"
	"github.com/vbp1/pg-catchup/internal/log"
	"github.com/vbp1/pg-catchup/internal/process"
	"github.com/vbp1/pg-catchup/internal/util/signalctx"
)

// childGrace bounds how long a canceled run waits for pg_receivewal/
// pg_waldump to exit on SIGTERM before KillChildrenOnCancel escalates to
// SIGKILL.
const childGrace = 5 * time.Second

// flags holds the raw values cobra binds from the `catchup` subcommand,
// translated into a catchup.Config once RunE fires.
type flags struct {
	backupMode        string
	sourcePgdata      string
	destinationPgdata string

	pgHost     string
	pgPort     int
	pgUser     string
	pgDatabase string

	localSource bool
	sshHost     string
	sshUser     string
	sshKey      string
	insecureSSH bool

	threads           int
	tablespaceMapping []string
	noSync            bool
	useSlot           string

	keepRunTmp bool
	progress   bool
	debug      bool
	verbose    bool
}

var f = &flags{}

// catchupCmd is the `catchup` subcommand: runs one preflight+backup+
// transfer+finalize pass against the configured source/destination pair.
var catchupCmd = &cobra.Command{
	Use:           "catchup",
	Short:         "Bring a destination PGDATA up to date with a source cluster",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Setup(f.debug, f.verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.Info("pg-catchup starting", "mode", f.backupMode)
		debug.StopIf("before-main")

		cfg := &catchup.Config{
			PGHost:            f.pgHost,
			PGPort:            f.pgPort,
			PGUser:            f.pgUser,
			PGDatabase:        f.pgDatabase,
			BackupMode:        f.backupMode,
			SourcePgdata:      f.sourcePgdata,
			DestinationPgdata: f.destinationPgdata,
			LocalSource:       f.localSource,
			SSHHost:           f.sshHost,
			SSHUser:           f.sshUser,
			SSHKey:            f.sshKey,
			InsecureSSH:       f.insecureSSH,
			Threads:           f.threads,
			TablespaceMapping: f.tablespaceMapping,
			NoSync:            f.noSync,
			UseSlot:           f.useSlot,
			KeepRunTmp:        f.keepRunTmp,
			Progress:          f.progress,
			Verbose:           f.verbose,
			Debug:             f.debug,
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		lk := lock.New(cfg.DestinationPgdata)
		ok, err := lk.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another pg-catchup process is already running against %s", cfg.DestinationPgdata)
		}
		defer func() { _ = lk.Unlock() }()

		ctx, cancel, _ := signalctx.WithSignals(context.Background())
		defer cancel()
		process.KillChildrenOnCancel(ctx, childGrace)

		if err := catchup.Run(ctx, cfg); err != nil {
			return err
		}

		slog.Info("pg-catchup finished successfully")
		return nil
	},
}

// RootCmd is the main entry point invoked from cmd/pgcatchup.
var RootCmd = &cobra.Command{
	Use:           "pg-catchup",
	Short:         "Catch a PostgreSQL data directory up to a source cluster via preflight, online backup protocol and block-aware file transfer",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute parses flags and runs the requested subcommand.
func Execute() error { return RootCmd.Execute() }

func init() {
	RootCmd.AddCommand(catchupCmd)

	fl := catchupCmd.Flags()
	fl.StringVar(&f.backupMode, "backup-mode", "", "Backup mode: FULL|DELTA|PTRACK (required)")
	fl.StringVar(&f.sourcePgdata, "source-pgdata", "", "Source PGDATA path (required)")
	fl.StringVar(&f.destinationPgdata, "destination-pgdata", "", "Destination PGDATA path (required)")

	fl.StringVar(&f.pgHost, "pghost", "localhost", "Source host")
	fl.IntVar(&f.pgPort, "pgport", 5432, "Source port")
	fl.StringVar(&f.pgUser, "pguser", os.Getenv("USER"), "Source user")
	fl.StringVar(&f.pgDatabase, "pgdatabase", "postgres", "Source database")

	fl.BoolVar(&f.localSource, "local-source", true, "Source PGDATA is reachable directly on this host (false routes file access over SSH)")
	fl.StringVar(&f.sshHost, "ssh-host", "", "Source host for SSH-based remote file access (required when --local-source=false)")
	fl.StringVar(&f.sshUser, "ssh-user", "", "SSH user for remote file access")
	fl.StringVar(&f.sshKey, "ssh-key", "", "SSH private key file")
	fl.BoolVar(&f.insecureSSH, "insecure-ssh", false, "Disable strict host-key checking (NOT recommended)")

	fl.IntVar(&f.threads, "threads", 0, "Worker count for the parallel file transfer (0 or less: one worker)")
	fl.StringArrayVar(&f.tablespaceMapping, "tablespace-mapping", nil, "OLDDIR=NEWDIR tablespace remap, repeatable")
	fl.BoolVar(&f.noSync, "no-sync", false, "Skip the final fsync pass")
	fl.StringVar(&f.useSlot, "slot", "", "Replication slot name for WAL streaming (default: none)")

	fl.BoolVar(&f.keepRunTmp, "keep-run-tmp", false, "Preserve the temporary run directory (WAL staging) after exit")
	fl.BoolVar(&f.progress, "progress", false, "Show a byte-progress bar during file transfer")
	fl.BoolVar(&f.debug, "debug", false, "Enable debug trace output")
	fl.BoolVar(&f.verbose, "verbose", false, "Verbose output")

	// --stream is always-on in this tool (WAL streaming is mandatory); the
	// flag is accepted for command-line compatibility but has no effect.
	fl.Bool("stream", true, "WAL streaming is always enabled; flag accepted for compatibility")

	_ = catchupCmd.MarkFlagRequired("backup-mode")
	_ = catchupCmd.MarkFlagRequired("source-pgdata")
	_ = catchupCmd.MarkFlagRequired("destination-pgdata")
}
