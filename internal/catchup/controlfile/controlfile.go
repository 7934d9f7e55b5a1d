// Package controlfile parses the handful of pg_control fields the catchup
// pipeline actually needs (system identifier, shutdown state, checkpoint
// TLI/LSN, redo LSN) and patches minRecoveryPoint for replica-source
// finalization.
//
// This is a deliberately partial reading of ControlFileData: full-fidelity
// layout, version-specific field offsets and the CRC verification
// pg_control itself carries are out of scope (the on-disk page/control-file
// codec is explicitly not this tool's concern). The offsets below are a
// fixed, simplified layout good enough for the fields this tool reads and
// writes; they are not guaranteed to match every server's real
// ControlFileData across versions.
package controlfile

import (
	"encoding/binary"
	"fmt"
)

// DBState mirrors PostgreSQL's DBState enum (src/include/catalog/pg_control.h).
type DBState int32

const (
	StateStartup DBState = iota + 1
	StateShutdown
	StateShutdownInRecovery
	StateInCrashRecovery
	StateInArchiveRecovery
	StateInProduction
)

func (s DBState) String() string {
	switch s {
	case StateStartup:
		return "starting up"
	case StateShutdown:
		return "shut down"
	case StateShutdownInRecovery:
		return "shut down in recovery"
	case StateInCrashRecovery:
		return "in crash recovery"
	case StateInArchiveRecovery:
		return "in archive recovery"
	case StateInProduction:
		return "in production"
	default:
		return fmt.Sprintf("unknown (%d)", int32(s))
	}
}

// CleanShutdown reports whether s is one of the two states preflight
// accepts as a valid catchup source/destination state.
func (s DBState) CleanShutdown() bool {
	return s == StateShutdown || s == StateShutdownInRecovery
}

// Fixed byte offsets into the subset of ControlFileData this package reads
// and writes. Anything beyond these fields (catalog version, CRC, the rest
// of CheckPoint) is left untouched and passed through verbatim.
const (
	offSystemIdentifier    = 8
	offState               = 24
	offCheckPointLSN       = 48
	offCheckPointTLI       = 64
	offCheckPointRedoLSN   = 72
	offMinRecoveryPoint    = 80
	offMinRecoveryPointTLI = 88
	minControlFileLen      = offMinRecoveryPointTLI + 4
)

// ControlFile holds the subset of ControlFileData this tool reads, plus the
// raw image so it can be rewritten and copied to the destination unchanged
// apart from the fields this tool explicitly patches.
type ControlFile struct {
	SystemIdentifier uint64
	State            DBState
	CheckPointLSN    uint64
	CheckPointTLI    uint32
	RedoLSN          uint64
	Raw              []byte
}

// Parse extracts SystemIdentifier, State, checkpoint LSN/TLI and redo LSN
// from a raw pg_control image. It does not verify the CRC pg_control
// itself carries; correctness relies on the source having written a
// well-formed file, the same trust boundary callers give any file read off
// a live, clean-shutdown data directory.
func Parse(raw []byte) (*ControlFile, error) {
	if len(raw) < minControlFileLen {
		return nil, fmt.Errorf("control file too short: %d bytes, want >= %d", len(raw), minControlFileLen)
	}
	cf := &ControlFile{Raw: raw}
	cf.SystemIdentifier = binary.LittleEndian.Uint64(raw[offSystemIdentifier:])
	cf.State = DBState(int32(binary.LittleEndian.Uint32(raw[offState:])))
	cf.CheckPointLSN = binary.LittleEndian.Uint64(raw[offCheckPointLSN:])
	cf.CheckPointTLI = binary.LittleEndian.Uint32(raw[offCheckPointTLI:])
	cf.RedoLSN = binary.LittleEndian.Uint64(raw[offCheckPointRedoLSN:])
	return cf, nil
}

// PatchMinRecoveryPoint returns a copy of the control file image with
// minRecoveryPoint and minRecoveryPointTLI overwritten, the adjustment
// the finalizer applies when finishing a catchup from a replica source
// so the destination's own recovery doesn't believe it can replay past
// what the streamed WAL actually delivered.
func (cf *ControlFile) PatchMinRecoveryPoint(lsn uint64, tli uint32) []byte {
	out := make([]byte, len(cf.Raw))
	copy(out, cf.Raw)
	binary.LittleEndian.PutUint64(out[offMinRecoveryPoint:], lsn)
	binary.LittleEndian.PutUint32(out[offMinRecoveryPointTLI:], tli)
	return out
}
