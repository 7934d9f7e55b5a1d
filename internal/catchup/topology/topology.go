// Package topology materializes directories and tablespace symlinks in
// the destination before any file content is copied, the Go counterpart
// of pg_probackup's check_tablespace_mapping / create_data_directories
// pass over the source file list.
package topology

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
	"github.com/vbp1/pg-catchup/internal/catchup/tablespace"
)

// TablespacesDir is the well-known sub-directory whose direct children are
// tablespace symlinks.
const TablespacesDir = "pg_tblspc"

// DefaultDirMode is used for any plain directory this package creates
// that is not a tablespace target (the source's own mode is used for
// those).
const DefaultDirMode = 0o700

// Replicate walks source in ascending path order (the scanner's own
// output order, so callers should not need to re-sort) and, for each
// directory entry, either creates it in dest via destCap, or — for a
// direct child of pg_tblspc — resolves its symlink target through tsMap
// and creates both the target directory and the symlink.
//
// Ordering is relied upon: ascending path order means a directory's
// parent entry was already processed by the time its children are
// visited.
func Replicate(ctx context.Context, source []model.FileEntry, destCap remoteio.Capability, destRoot string, tsMap *tablespace.Map) error {
	sorted := make([]model.FileEntry, len(source))
	copy(sorted, source)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath < sorted[j].RelPath })

	for _, e := range sorted {
		if e.Kind != model.KindDirectory && e.Kind != model.KindSymlink {
			continue
		}
		if isTablespaceLink(e.RelPath) {
			if err := materializeTablespace(ctx, e, destCap, destRoot, tsMap); err != nil {
				return err
			}
			continue
		}
		if e.Kind != model.KindDirectory {
			continue
		}
		destPath := path.Join(destRoot, e.RelPath)
		if err := destCap.Mkdir(ctx, destPath, modeOrDefault(e.Mode)); err != nil {
			return fmt.Errorf("topology: mkdir %q: %w", destPath, err)
		}
	}
	return nil
}

func isTablespaceLink(rel string) bool {
	dir, _ := path.Split(rel)
	return strings.TrimSuffix(dir, "/") == TablespacesDir
}

func materializeTablespace(ctx context.Context, e model.FileEntry, destCap remoteio.Capability, destRoot string, tsMap *tablespace.Map) error {
	if e.Kind != model.KindSymlink {
		return fmt.Errorf("topology: %q under %s is not a symlink", e.RelPath, TablespacesDir)
	}
	target, _ := tsMap.Resolve(e.LinkTarget)
	if !path.IsAbs(target) {
		return fmt.Errorf("topology: tablespace %q resolves to non-absolute path %q", e.RelPath, target)
	}
	if err := destCap.Mkdir(ctx, target, modeOrDefault(e.Mode)); err != nil {
		return fmt.Errorf("topology: mkdir tablespace target %q: %w", target, err)
	}
	destPath := path.Join(destRoot, e.RelPath)
	if err := destCap.Symlink(ctx, target, destPath); err != nil {
		return fmt.Errorf("topology: symlink %q -> %q: %w", destPath, target, err)
	}
	return nil
}

func modeOrDefault(mode uint32) uint32 {
	if mode == 0 {
		return DefaultDirMode
	}
	return mode
}
