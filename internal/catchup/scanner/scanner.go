// Package scanner produces the sorted FileEntry list the rest of the
// catchup pipeline (preflight, topology, reaper, transfer) operates on. It
// is a thin layer over remoteio.Capability: the local and remote
// implementations of that interface already do the filesystem/shell work,
// so Scan only classifies datafile-ness and reshapes ListedFile into
// model.FileEntry.
package scanner

import (
	"context"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

// Scan walks root via cap and returns a list stably sorted by RelPath
// ascending, identical in shape whether cap is remoteio.Local or
// remoteio.SSH. The control-file entry (global/pg_control) is never
// excluded here — the orchestrator filters it out of the slice it hands
// to the transfer pool (removeControlFileEntry), since the scanner's job
// is only to enumerate.
func Scan(ctx context.Context, cap remoteio.Capability, root string) ([]model.FileEntry, error) {
	listed, err := cap.List(ctx, root)
	if err != nil {
		return nil, err
	}
	entries := make([]model.FileEntry, 0, len(listed))
	for _, lf := range listed {
		e := model.FileEntry{
			RelPath:    lf.RelPath,
			Mode:       lf.Mode,
			Size:       lf.Size,
			LinkTarget: lf.LinkTarget,
		}
		switch lf.Kind {
		case model.KindDirectory:
			e.Kind = model.KindDirectory
		case model.KindSymlink:
			e.Kind = model.KindSymlink
		default:
			e.Kind = model.KindRegular
			e.IsDatafile = isDatafile(lf.RelPath)
			e.IsCFS = isCFS(lf.RelPath)
		}
		entries = append(entries, e)
	}
	// listed is already sorted by both Local and SSH implementations, but
	// the contract is "byte-identical lists including ordering" — re-assert
	// it here rather than trust every Capability implementation to honor it.
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

// isDatafile reports whether rel names a PostgreSQL relation file living
// under base/, global/ or a tablespace's per-database directory: a numeric
// (optionally dotted-segment, optionally forkname-suffixed) filename, the
// same heuristic pg_probackup's pgFile scan applies to decide whether a
// file is eligible for DELTA/PTRACK block-level diffing.
func isDatafile(rel string) bool {
	base := path.Base(rel)
	dir := path.Dir(rel)
	if !(strings.HasPrefix(dir, "global") || strings.Contains(dir, "base/") ||
		strings.Contains(dir, "pg_tblspc/")) {
		return false
	}
	name := base
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		// segment suffix, e.g. "16385.1"; the segment number must itself be
		// numeric for this to still be a plain relation file.
		seg := name[idx+1:]
		if _, err := strconv.Atoi(seg); err != nil {
			return false
		}
		name = name[:idx]
	}
	if us := strings.IndexByte(name, '_'); us >= 0 {
		// fork suffix, e.g. "16385_vm", "16385_fsm", "16385_init".
		name = name[:us]
	}
	if name == "" {
		return false
	}
	_, err := strconv.Atoi(name)
	return err == nil
}

// isCFS recognizes compressed-filesystem tablespace files (pg_probackup's
// CFS datafile convention), which are never eligible for block diffing and
// are always copied whole even in DELTA/PTRACK mode.
func isCFS(rel string) bool {
	return strings.HasSuffix(rel, ".cfm")
}
