// Package tablespace resolves symlink targets under pg_tblspc against a
// user-supplied source->destination map, the Go equivalent of
// pg_probackup's external_remap_string parsing and the tablespace lookup
// it does while walking a data directory.
package tablespace

import (
	"fmt"
)

// Map is an ordered source-absolute-path -> destination-absolute-path
// mapping, populated in flag order from repeated --tablespace-mapping
// values (old=new). Order is preserved only for error-message stability;
// lookups are by exact key.
type Map struct {
	entries []entry
	index   map[string]string
}

type entry struct {
	from, to string
}

// NewMap builds a Map from "old=new" pair strings, rejecting duplicates and
// malformed entries the way the CLI flag parser must before any catchup
// work starts.
func NewMap(pairs []string) (*Map, error) {
	m := &Map{index: make(map[string]string, len(pairs))}
	for _, p := range pairs {
		from, to, ok := splitPair(p)
		if !ok {
			return nil, fmt.Errorf("tablespace-mapping %q: expected OLDDIR=NEWDIR", p)
		}
		if _, exists := m.index[from]; exists {
			return nil, fmt.Errorf("tablespace-mapping: duplicate source directory %q", from)
		}
		m.entries = append(m.entries, entry{from: from, to: to})
		m.index[from] = to
	}
	return m, nil
}

func splitPair(p string) (from, to string, ok bool) {
	for i := 0; i < len(p); i++ {
		if p[i] == '=' {
			return p[:i], p[i+1:], p[:i] != "" && p[i+1:] != ""
		}
	}
	return "", "", false
}

// Resolve returns the mapped destination for source symlink target T, or T
// itself with mapped=false when the map carries no entry for it.
func (m *Map) Resolve(sourceTarget string) (dest string, mapped bool) {
	if m == nil {
		return sourceTarget, false
	}
	to, ok := m.index[sourceTarget]
	if !ok {
		return sourceTarget, false
	}
	return to, true
}

// Len reports how many mappings are configured.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// UnmappedTarget describes a source tablespace the map does not cover.
type UnmappedTarget struct {
	SourceTarget string
}

// Validate applies the mapping completeness policy: every entry in
// sourceTargets (the resolved symlink targets under the source's
// pg_tblspc) must have a mapping. On a local source a miss is fatal; on a
// remote source it is returned as a warning list instead, since the
// operator may intend the destination to reuse the same absolute paths
// the source uses (only possible when source and destination are
// different hosts).
func (m *Map) Validate(sourceTargets []string, localSource bool) (warnings []UnmappedTarget, err error) {
	for _, t := range sourceTargets {
		if _, mapped := m.Resolve(t); mapped {
			continue
		}
		if localSource {
			return nil, fmt.Errorf("tablespace %q has no destination mapping and source is local: refusing to reuse the source path as the destination", t)
		}
		warnings = append(warnings, UnmappedTarget{SourceTarget: t})
	}
	return warnings, nil
}
