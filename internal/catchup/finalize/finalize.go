// Package finalize implements the steps that only make sense once every
// other file has landed safely — copying the control file last (it is
// the thing a crash-consistency check of the destination would look at
// first), writing backup_label from the snapshot controller's result,
// patching the replica min-recovery-point, and an optional fsync pass.
// Grounded on catchup.c's "at last copy control file" /
// pg_stop_backup_write_file_helper / fio_sync sequence.
package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/vbp1/pg-catchup/internal/catchup/controlfile"
	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

// BackupLabelFile and ControlFileRelPath are the two well-known
// destination-root paths the finalizer writes to or reads from.
const (
	BackupLabelFile    = "backup_label"
	ControlFileRelPath = "global/pg_control"
)

// Params bundles the finalizer's inputs. Sync controls whether the
// regular files the transfer wrote get an fsync pass; a tablespace map file is deliberately
// never written, since this tool always resolves tablespace targets
// through its own mapping before any file is copied rather than leaving
// that to be replayed at recovery time.
type Params struct {
	SourceCap  remoteio.Capability
	DestCap    remoteio.Capability
	SourceRoot string
	DestRoot   string
	Source     []model.FileEntry
	Op         *model.CurrentOp
	Sync       bool
}

// Run copies the control file, writes backup_label, patches the
// destination control file's min-recovery-point when the source was a
// replica under non-exclusive backup, and optionally fsyncs the control
// file and every regular file whose WriteSize is positive; files the
// transfer left unchanged (BytesInvalid) or found vanished
// (FileNotFound) are not synced. Run must only be called after the
// transfer pool has succeeded for every entry in Source.
func Run(ctx context.Context, p Params) error {
	start := time.Now()

	fromControl := path.Join(p.SourceRoot, ControlFileRelPath)
	toControl := path.Join(p.DestRoot, ControlFileRelPath)
	raw, err := p.SourceCap.ReadControlFile(ctx, p.SourceRoot)
	if err != nil {
		return fmt.Errorf("finalize: read source control file %q: %w", fromControl, err)
	}

	if p.Op.FromReplica {
		cf, perr := controlfile.Parse(raw)
		if perr != nil {
			return fmt.Errorf("finalize: parse source control file for min-recovery-point patch: %w", perr)
		}
		raw = cf.PatchMinRecoveryPoint(uint64(p.Op.StopLSN), p.Op.TLI)
	}

	if err := writeFile(ctx, p.DestCap, toControl, raw, 0o600); err != nil {
		return fmt.Errorf("finalize: write destination control file %q: %w", toControl, err)
	}

	if len(p.Op.BackupLabel) == 0 {
		return fmt.Errorf("finalize: no backup_label content recorded by the snapshot controller")
	}
	labelPath := path.Join(p.DestRoot, BackupLabelFile)
	if err := writeFile(ctx, p.DestCap, labelPath, p.Op.BackupLabel, 0o600); err != nil {
		return fmt.Errorf("finalize: write %q: %w", labelPath, err)
	}

	if !p.Sync {
		slog.Warn("files are not synced to disk")
		return nil
	}

	slog.Info("syncing copied files to disk")
	for _, e := range p.Source {
		if e.Kind != model.KindRegular {
			continue
		}
		if e.WriteSize <= 0 {
			continue
		}
		destPath := path.Join(p.DestRoot, e.RelPath)
		if err := p.DestCap.Sync(ctx, destPath); err != nil {
			return fmt.Errorf("finalize: sync %q: %w", destPath, err)
		}
	}
	if err := p.DestCap.Sync(ctx, toControl); err != nil {
		return fmt.Errorf("finalize: sync control file %q: %w", toControl, err)
	}

	slog.Info("files are synced", "elapsed", time.Since(start).Round(time.Second).String())
	return nil
}

func writeFile(ctx context.Context, rc remoteio.Capability, destPath string, data []byte, mode uint32) error {
	w, err := rc.Create(ctx, destPath, mode)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
