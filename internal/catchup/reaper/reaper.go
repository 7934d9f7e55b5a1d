// Package reaper prunes destination entries absent from the source, an
// incremental-mode-only pass that runs after topology materialization
// but before file transfer so deletions never race with writes to the
// same path.
package reaper

import (
	"context"
	"path"
	"sort"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
)

// RelMapperFilename is pg_probackup's pg_filenode.map, which must always
// be treated as redundant (forcing it to be re-copied fresh) even though
// it is present in the source list under the same relative path: its
// content is a point-in-time snapshot that would otherwise be silently
// kept stale.
const RelMapperFilename = "pg_filenode.map"

// Prune sorts dest descending by path (children before parents) and
// removes every entry absent from source by relative path, except that
// any entry named RelMapperFilename is always treated as redundant. dest
// itself is not modified: the surviving entries (directories found
// non-redundant included) are returned as a new slice, ascending by path.
func Prune(ctx context.Context, source, dest []model.FileEntry, destCap remoteio.Capability, destRoot string) ([]model.FileEntry, error) {
	sourceSet := make(map[string]bool, len(source))
	for _, e := range source {
		sourceSet[e.RelPath] = true
	}

	sorted := make([]model.FileEntry, len(dest))
	copy(sorted, dest)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelPath > sorted[j].RelPath })

	kept := make([]model.FileEntry, 0, len(sorted))
	for _, e := range sorted {
		redundant := path.Base(e.RelPath) == RelMapperFilename || !sourceSet[e.RelPath]
		if !redundant {
			kept = append(kept, e)
			continue
		}
		destPath := path.Join(destRoot, e.RelPath)
		if err := destCap.Delete(ctx, destPath); err != nil {
			return nil, err
		}
	}

	// restore ascending order so downstream consumers (binary search in
	// the transfer pool) see the same ordering convention as the
	// scanner's output.
	sort.Slice(kept, func(i, j int) bool { return kept[i].RelPath < kept[j].RelPath })
	return kept, nil
}
