package catchup

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vbp1/pg-catchup/internal/catchup/controlfile"
	"github.com/vbp1/pg-catchup/internal/catchup/finalize"
	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/preflight"
	"github.com/vbp1/pg-catchup/internal/catchup/ptrack"
	"github.com/vbp1/pg-catchup/internal/catchup/reaper"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
	"github.com/vbp1/pg-catchup/internal/catchup/scanner"
	"github.com/vbp1/pg-catchup/internal/catchup/snapshot"
	"github.com/vbp1/pg-catchup/internal/catchup/tablespace"
	"github.com/vbp1/pg-catchup/internal/catchup/topology"
	"github.com/vbp1/pg-catchup/internal/catchup/transfer"
	"github.com/vbp1/pg-catchup/internal/postgres"
	"github.com/vbp1/pg-catchup/internal/runctx"
	"github.com/vbp1/pg-catchup/internal/ssh"
	"github.com/vbp1/pg-catchup/internal/wal"
)

// ControlFileRelPath mirrors finalize.ControlFileRelPath; kept as its own
// name here since it is also used to filter the scanner's output before
// the transfer pool ever sees it (the scanner deliberately does not do
// this itself).
const ControlFileRelPath = "global/pg_control"

// poolHistoryFetcher adapts postgres.TimelineHistory to
// timeline.HistoryFetcher so preflight's timeline check can run against a
// live pgxpool connection without that package importing pgx itself.
type poolHistoryFetcher struct {
	pool *pgxpool.Pool
}

func (f poolHistoryFetcher) TimelineHistory(ctx context.Context, tli uint32) ([]byte, error) {
	return postgres.TimelineHistory(ctx, f.pool, tli)
}

// Orchestrator holds every live resource one catchup run acquires, so
// Close can tear them down defensively regardless of where the run
// stopped.
type Orchestrator struct {
	pool      *pgxpool.Pool
	sshClient *ssh.Client
	receiver  *wal.Receiver
	run       *runctx.RunCtx

	sourceCap remoteio.Capability
	destCap   remoteio.Capability
}

// Close releases every resource the orchestrator may have acquired,
// nil-checking each since Run can fail at any step.
func (o *Orchestrator) Close(ctx context.Context) {
	if o.receiver != nil {
		if err := o.receiver.Stop(); err != nil {
			slog.Warn("stop wal receiver", "err", err)
		}
	}
	if o.sourceCap != nil {
		if err := o.sourceCap.Close(); err != nil {
			slog.Warn("close source capability", "err", err)
		}
	}
	if o.sshClient != nil {
		if err := o.sshClient.Close(); err != nil {
			slog.Warn("close ssh client", "err", err)
		}
	}
	if o.pool != nil {
		o.pool.Close()
	}
	if o.run != nil {
		if err := o.run.Cleanup(); err != nil {
			slog.Warn("cleanup run tmp dir", "err", err)
		}
	}
}

// Run executes the full preflight/snapshot/transfer/finalize pipeline
// against cfg. It returns once the destination is a consistent, finalized
// copy, or the first error encountered.
func Run(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	mode, err := model.ParseBackupMode(cfg.BackupMode)
	if err != nil {
		return fmt.Errorf("catchup: %w", err)
	}

	o := &Orchestrator{}
	defer o.Close(ctx)

	runCtx, err := runctx.New("pg-catchup-", cfg.KeepRunTmp)
	if err != nil {
		return fmt.Errorf("catchup: create run tmp dir: %w", err)
	}
	o.run = runCtx

	dsn := fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.PGUser, cfg.PGHost, cfg.PGPort, cfg.PGDatabase)
	pool, err := postgres.Connect(ctx, dsn, int32(cfg.Threads+2))
	if err != nil {
		return fmt.Errorf("catchup: connect to source: %w", err)
	}
	o.pool = pool

	if cfg.LocalSource {
		o.sourceCap = remoteio.Local{}
	} else {
		sshClient, err := ssh.Dial(ctx, ssh.Config{
			User:     cfg.SSHUser,
			Host:     cfg.SSHHost,
			KeyPath:  cfg.SSHKey,
			Insecure: cfg.InsecureSSH,
		})
		if err != nil {
			return fmt.Errorf("catchup: dial source over ssh: %w", err)
		}
		o.sshClient = sshClient
		o.sourceCap = remoteio.NewSSH(sshClient)
	}
	o.destCap = remoteio.Local{}

	serverInfo, err := postgres.CollectServerInfo(ctx, pool)
	if err != nil {
		return fmt.Errorf("catchup: collect source server info: %w", err)
	}

	sourceRaw, err := o.sourceCap.ReadControlFile(ctx, cfg.SourcePgdata)
	if err != nil {
		return fmt.Errorf("catchup: read source control file: %w", err)
	}
	sourceControl, err := controlfile.Parse(sourceRaw)
	if err != nil {
		return fmt.Errorf("catchup: parse source control file: %w", err)
	}

	destinationEmpty, destControl, err := readDestinationState(ctx, o.destCap, cfg.DestinationPgdata)
	if err != nil {
		return err
	}

	tsMap, err := tablespace.NewMap(cfg.TablespaceMapping)
	if err != nil {
		return fmt.Errorf("catchup: %w", err)
	}

	sourceList, err := scanner.Scan(ctx, o.sourceCap, cfg.SourcePgdata)
	if err != nil {
		return fmt.Errorf("catchup: scan source: %w", err)
	}
	sourceTablespaces := tablespaceLinkTargets(sourceList)

	fromReplica := serverInfo.InRecovery

	preflightResult, err := preflight.Run(ctx, preflight.Params{
		Mode:              mode,
		FromReplica:       fromReplica,
		DestinationEmpty:  destinationEmpty,
		DestCap:           o.destCap,
		DestPgdata:        cfg.DestinationPgdata,
		SourceCap:         o.sourceCap,
		SourcePgdata:      cfg.SourcePgdata,
		LocalSource:       cfg.LocalSource,
		ServerInfo:        serverInfo,
		SourceControl:     sourceControl,
		DestControl:       destControl,
		SourceTablespaces: sourceTablespaces,
		TablespaceMap:     tsMap,
		HistoryFetcher:    poolHistoryFetcher{pool: pool},
		RequiredBytes:     totalRegularBytes(sourceList),
	})
	if err != nil {
		return fmt.Errorf("catchup: preflight: %w", err)
	}
	for _, w := range preflightResult.Warnings {
		slog.Warn(w)
	}

	op := &model.CurrentOp{StartTime: time.Now().UTC(), Mode: mode, FromReplica: fromReplica}

	archiveTimeout := cfg.ArchiveTimeout
	if archiveTimeout <= 0 {
		archiveTimeout = snapshot.DefaultArchiveTimeout
	}
	ctl := snapshot.New(pool, op, archiveTimeout)

	exclusive := serverInfo.ExclusiveBackupRequired()
	var destRedoLSN pglogrepl.LSN
	if mode.Incremental() && destControl != nil {
		destRedoLSN = pglogrepl.LSN(destControl.RedoLSN)
	}
	if err := ctl.StartBackup(ctx, ProgramName, exclusive, destRedoLSN); err != nil {
		return fmt.Errorf("catchup: start backup: %w", err)
	}
	op.TLI = sourceControl.CheckPointTLI

	walDir := runCtx.Path("wal")
	receiver := &wal.Receiver{
		Host:    cfg.PGHost,
		Port:    cfg.PGPort,
		User:    cfg.PGUser,
		Dir:     walDir,
		Slot:    cfg.UseSlot,
		Verbose: cfg.Verbose,
		AppName: ProgramName,
	}
	o.receiver = receiver
	if err := ctl.BeginStreaming(ctx, receiver); err != nil {
		return fmt.Errorf("catchup: begin wal streaming: %w", err)
	}
	if err := postgres.WaitReplicationStarted(ctx, pool, ProgramName, archiveTimeout); err != nil {
		ctl.Fail()
		return fmt.Errorf("catchup: wal receiver did not register in pg_stat_replication: %w", err)
	}

	if mode == model.ModePtrack {
		bitmaps, err := ptrack.FetchBitmaps(ctx, pool, op.StartLSN)
		if err != nil {
			ctl.Fail()
			return fmt.Errorf("catchup: fetch ptrack bitmaps: %w", err)
		}
		ptrack.Apply(sourceList, bitmaps)
	}

	transferList := removeControlFileEntry(sourceList)

	if err := topology.Replicate(ctx, sourceList, o.destCap, cfg.DestinationPgdata, tsMap); err != nil {
		ctl.Fail()
		return fmt.Errorf("catchup: materialize topology: %w", err)
	}

	var destList []model.FileEntry
	if mode.Incremental() {
		prevDestList, err := scanner.Scan(ctx, o.destCap, cfg.DestinationPgdata)
		if err != nil {
			ctl.Fail()
			return fmt.Errorf("catchup: scan destination: %w", err)
		}
		destList, err = reaper.Prune(ctx, transferList, prevDestList, o.destCap, cfg.DestinationPgdata)
		if err != nil {
			ctl.Fail()
			return fmt.Errorf("catchup: prune destination: %w", err)
		}
	}

	stats, err := transfer.Run(ctx, transfer.Params{
		SourceCap:    o.sourceCap,
		DestCap:      o.destCap,
		SourceRoot:   cfg.SourcePgdata,
		DestRoot:     cfg.DestinationPgdata,
		Mode:         mode,
		SyncLSN:      destRedoLSN,
		Workers:      cfg.Threads,
		Dest:         destList,
		Op:           op,
		ShowProgress: cfg.Progress,
	}, transferList)
	if err != nil {
		ctl.Fail()
		return fmt.Errorf("catchup: transfer: %w", err)
	}

	if err := ctl.MaybeCreateRestorePoint(ctx, serverInfo); err != nil {
		ctl.Fail()
		return fmt.Errorf("catchup: create restore point: %w", err)
	}
	if err := ctl.SendStop(ctx, exclusive); err != nil {
		return fmt.Errorf("catchup: stop backup: %w", err)
	}
	if err := ctl.AwaitWALCaughtUp(ctx, &wal.DirPoller{Dir: walDir}); err != nil {
		return fmt.Errorf("catchup: await wal flush: %w", err)
	}
	if err := ctl.Finish(ctx, walDir, wal.WalDumpScanner{}, time.Now().UTC()); err != nil {
		return fmt.Errorf("catchup: finish snapshot: %w", err)
	}

	if err := finalize.Run(ctx, finalize.Params{
		SourceCap:  o.sourceCap,
		DestCap:    o.destCap,
		SourceRoot: cfg.SourcePgdata,
		DestRoot:   cfg.DestinationPgdata,
		Source:     transferList,
		Op:         op,
		Sync:       !cfg.NoSync,
	}); err != nil {
		return fmt.Errorf("catchup: finalize: %w", err)
	}

	slog.Info("catchup pipeline completed",
		"mode", mode.String(),
		"files", stats.FilesCopied,
		"bytes_written", stats.BytesWritten,
		"recovery_time", op.RecoveryTime)
	return nil
}

// readDestinationState reports whether the destination pgdata is empty
// and, if not, parses its control file for preflight's checks. A missing
// directory (ENOENT on list) is treated as empty, the same way FULL mode
// into a not-yet-created destination is expected to work.
func readDestinationState(ctx context.Context, destCap remoteio.Capability, destPgdata string) (empty bool, cf *controlfile.ControlFile, err error) {
	entries, err := destCap.List(ctx, destPgdata)
	if err != nil {
		return true, nil, nil
	}
	if len(entries) == 0 {
		return true, nil, nil
	}
	raw, err := destCap.ReadControlFile(ctx, destPgdata)
	if err != nil {
		return false, nil, fmt.Errorf("catchup: read destination control file: %w", err)
	}
	parsed, err := controlfile.Parse(raw)
	if err != nil {
		return false, nil, fmt.Errorf("catchup: parse destination control file: %w", err)
	}
	return false, parsed, nil
}

// tablespaceLinkTargets collects the absolute symlink targets the source
// reports directly under pg_tblspc, the set preflight's tablespace-
// completeness check validates against the configured mapping.
func tablespaceLinkTargets(entries []model.FileEntry) []string {
	var out []string
	for _, e := range entries {
		if e.Kind != model.KindSymlink {
			continue
		}
		dir, _ := path.Split(e.RelPath)
		if path.Clean(dir) == topology.TablespacesDir {
			out = append(out, e.LinkTarget)
		}
	}
	return out
}

// totalRegularBytes sums the size of every regular file in entries, the
// estimate checkDiskSpace compares against free space on the destination.
func totalRegularBytes(entries []model.FileEntry) int64 {
	var total int64
	for _, e := range entries {
		if e.Kind == model.KindRegular {
			total += e.Size
		}
	}
	return total
}

// removeControlFileEntry filters the control-file entry out of source,
// since finalize.Run copies it separately and last; the transfer pool
// must never race finalize's own read/patch/write of global/pg_control.
func removeControlFileEntry(source []model.FileEntry) []model.FileEntry {
	out := make([]model.FileEntry, 0, len(source))
	for _, e := range source {
		if e.RelPath == ControlFileRelPath {
			continue
		}
		out = append(out, e)
	}
	return out
}
