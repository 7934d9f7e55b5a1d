// Package transfer implements the parallel block-aware copy pool: N
// symmetric workers share one source list and one (already reaped)
// destination list, claiming entries by atomic compare-and-set rather
// than by static partitioning, the same work-stealing shape
// catchup_thread_runner uses over a shared parray with
// pg_atomic_test_set_flag.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

// Params bundles everything every worker needs to decide and perform the
// copy of a single entry, the Go counterpart of
// catchup_thread_runner_arg: one struct, read (never partitioned) by
// every goroutine in the pool.
type Params struct {
	SourceCap  remoteio.Capability
	DestCap    remoteio.Capability
	SourceRoot string
	DestRoot   string
	Mode       model.BackupMode
	SyncLSN    pglogrepl.LSN
	Workers    int

	// Dest is the reaper's surviving destination list, ascending by
	// RelPath; nil/empty for FULL mode.
	Dest []model.FileEntry

	Op *model.CurrentOp

	// ShowProgress renders an mpb byte-progress bar over the run,
	// driven by the same per-worker counters Op.AddBytes already
	// accumulates; it has no effect on transfer semantics.
	ShowProgress bool

	bar *mpb.Bar
}

// Run dispatches every non-directory entry in source to a pool of
// p.Workers goroutines, each scanning the full shared list and claiming
// whatever it reaches first via FileEntry.Claim. Before dispatch, source
// is re-sorted descending by size so large files are claimed first. The
// first worker error cancels the shared context (golang.org/x/sync's
// idiomatic replacement for a global interrupt flag); Run waits for
// every worker to unwind before returning that error.
func Run(ctx context.Context, p Params, source []model.FileEntry) (Stats, error) {
	SortDescendingBySize(source)

	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}

	var progress *mpb.Progress
	if p.ShowProgress {
		var totalBytes int64
		for _, e := range source {
			if e.Kind == model.KindRegular {
				totalBytes += e.Size
			}
		}
		progress = mpb.New(mpb.WithWidth(40), mpb.WithRefreshRate(100*time.Millisecond))
		p.bar = progress.New(totalBytes, mpb.BarStyle().Rbound("|").Lbound("|"),
			mpb.PrependDecorators(decor.Name("catchup ", decor.WC{W: len("catchup "), C: decor.DSyncWidth}), decor.Percentage()),
			mpb.AppendDecorators(decor.Any(func(s decor.Statistics) string {
				return fmt.Sprintf("%s / %s", formatBytes(s.Current), formatBytes(s.Total))
			})))
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error { return runWorker(gctx, p, source) })
	}
	runErr := g.Wait()

	if progress != nil {
		if runErr == nil {
			p.bar.SetTotal(p.bar.Current(), true)
		}
		progress.Wait()
	}
	if runErr != nil {
		return Stats{}, runErr
	}

	var st Stats
	if p.Op != nil {
		read, written, files := p.Op.Totals()
		st = Stats{FilesCopied: files, BytesRead: read, BytesWritten: written}
	}
	return st, nil
}

func runWorker(ctx context.Context, p Params, source []model.FileEntry) error {
	for i := range source {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("transfer: interrupted: %w", err)
		}

		e := &source[i]
		if e.Kind == model.KindDirectory {
			continue
		}
		if !e.Claim() {
			continue
		}
		if err := processEntry(ctx, p, e); err != nil {
			return err
		}
	}
	return nil
}

func processEntry(ctx context.Context, p Params, e *model.FileEntry) error {
	fromPath := path.Join(p.SourceRoot, e.RelPath)
	toPath := path.Join(p.DestRoot, e.RelPath)

	var priorSize int64
	if p.Mode.Incremental() {
		if d, found := lookupDest(p.Dest, e.RelPath); found {
			e.ExistsInPrev = true
			priorSize = d.Size
		}
	}

	var readSize, writeSize int64
	var err error
	switch {
	case e.Kind == model.KindSymlink && path.Dir(e.RelPath) == "pg_tblspc":
		// tablespace links were already created by topology materialization
		return nil
	case e.Kind == model.KindSymlink:
		readSize, writeSize, err = copySymlink(ctx, p.SourceCap, p.DestCap, fromPath, toPath)
	case e.Kind != model.KindRegular:
		slog.Warn("unexpected entry type during transfer, skipping", "path", e.RelPath)
		return nil
	case e.IsDatafile && !e.IsCFS:
		readSize, writeSize, err = DatafileCopier{SourceCap: p.SourceCap, DestCap: p.DestCap}.
			Copy(ctx, e, fromPath, toPath, p.Mode, p.SyncLSN, priorSize)
	default:
		readSize, writeSize, err = BytewiseCopy(ctx, p.SourceCap, p.DestCap, fromPath, toPath, e.Mode)
	}
	if err != nil {
		return fmt.Errorf("transfer %q: %w", e.RelPath, err)
	}

	e.ReadSize, e.WriteSize = readSize, writeSize
	switch writeSize {
	case model.FileNotFound:
		slog.Info("source file vanished during transfer", "path", e.RelPath)
	case model.BytesInvalid:
		slog.Debug("file unchanged, skipped", "path", e.RelPath)
	default:
		if p.Op != nil {
			p.Op.AddBytes(readSize, writeSize)
		}
		if p.bar != nil {
			p.bar.IncrInt64(writeSize)
		}
	}
	return nil
}

func lookupDest(dest []model.FileEntry, rel string) (model.FileEntry, bool) {
	i := sort.Search(len(dest), func(i int) bool { return dest[i].RelPath >= rel })
	if i < len(dest) && dest[i].RelPath == rel {
		return dest[i], true
	}
	return model.FileEntry{}, false
}
