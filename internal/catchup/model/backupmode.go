package model

import "fmt"

// BackupMode selects how the destination tree is reconciled against the
// source: full copy, file-level delta by LSN, or block-level delta via
// server-reported PTRACK bitmaps.
type BackupMode uint8

const (
	ModeFull BackupMode = iota
	ModeDelta
	ModePtrack
)

func (m BackupMode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModeDelta:
		return "DELTA"
	case ModePtrack:
		return "PTRACK"
	default:
		return "UNKNOWN"
	}
}

// Incremental reports whether the mode reconciles against an existing
// destination (DELTA, PTRACK) as opposed to requiring an empty one (FULL).
func (m BackupMode) Incremental() bool {
	return m == ModeDelta || m == ModePtrack
}

// ParseBackupMode parses the --backup-mode flag value.
func ParseBackupMode(s string) (BackupMode, error) {
	switch s {
	case "FULL":
		return ModeFull, nil
	case "DELTA":
		return ModeDelta, nil
	case "PTRACK":
		return ModePtrack, nil
	default:
		return 0, fmt.Errorf("unknown backup mode %q, want FULL, DELTA or PTRACK", s)
	}
}
