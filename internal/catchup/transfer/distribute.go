package transfer

import (
	"sort"

	"github.com/vbp1/pg-catchup/internal/catchup/model"
)

// SortDescendingBySize re-sorts entries by Size descending in place: large
// files are claimed by the pool first, approximating longest-processing-
// time scheduling so a handful of huge relations don't become the tail
// that keeps every worker but one idle.
func SortDescendingBySize(entries []model.FileEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Size > entries[j].Size })
}
