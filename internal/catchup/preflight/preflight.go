// Package preflight runs the go/no-go checks pg_probackup calls
// catchup_preflight_checks before any destructive action is taken against
// the destination. Every check returns on first failure; nothing here
// writes to either data directory.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pglogrepl"

	"github.com/vbp1/pg-catchup/internal/catchup/controlfile"
	"github.com/vbp1/pg-catchup/internal/catchup/model"
	"github.com/vbp1/pg-catchup/internal/catchup/remoteio"
	"github.com/vbp1/pg-catchup/internal/catchup/tablespace"
	"github.com/vbp1/pg-catchup/internal/catchup/timeline"
	"github.com/vbp1/pg-catchup/internal/postgres"
	"github.com/vbp1/pg-catchup/internal/util/disk"
)

// MinFreeSpaceMargin is added on top of RequiredBytes when checking free
// space on a local destination, the same headroom pg_probackup leaves for
// WAL and temp files the transfer itself does not account for.
const MinFreeSpaceMargin = 64 << 20 // 64MiB

// MinPtrackVersion is the lowest ptrack extension version this tool
// trusts for block-level incremental copying; older versions lack the
// LSN-bounded bitmap API the DATAFILE copier needs.
const MinPtrackVersion = "2.0"

// Params bundles everything a preflight run needs to decide.
type Params struct {
	Mode              model.BackupMode
	FromReplica       bool
	DestinationEmpty  bool
	DestCap           remoteio.Capability
	DestPgdata        string
	SourceCap         remoteio.Capability
	SourcePgdata      string
	LocalSource       bool
	ServerInfo        *postgres.ServerInfo
	SourceControl     *controlfile.ControlFile
	DestControl       *controlfile.ControlFile // nil when DestinationEmpty
	SourceTablespaces []string                 // absolute symlink targets reported by the source
	TablespaceMap     *tablespace.Map
	HistoryFetcher    timeline.HistoryFetcher

	// RequiredBytes is the sum of regular-file sizes the transfer is
	// about to write, used by checkDiskSpace. Zero disables the check
	// (e.g. when the caller has not scanned the source yet).
	RequiredBytes int64
}

// Result is the preflight decision: either OK, or the first failure
// encountered plus any accumulated non-fatal warnings.
type Result struct {
	OK       bool
	Warnings []string
}

// Run executes every check in a fixed order (emptiness, postmaster
// liveness, stale backup_label, clean shutdown, disk space, system
// identifier, PTRACK prerequisites, replica-source version, tablespace
// mapping completeness, timeline reachability), returning the first
// failure as err. A returned
// Result.OK==false cannot happen without a non-nil err: every check
// either passes, warns, or fails hard.
func Run(ctx context.Context, p Params) (Result, error) {
	var res Result

	if err := checkEmptiness(p); err != nil {
		return res, err
	}
	if err := checkPostmasterLiveness(ctx, p); err != nil {
		return res, err
	}
	if err := checkStaleBackupLabel(ctx, p); err != nil {
		return res, err
	}
	if err := checkCleanShutdown(p); err != nil {
		return res, err
	}
	if err := checkDiskSpace(p); err != nil {
		return res, err
	}
	if err := checkSystemIdentifiers(p); err != nil {
		return res, err
	}
	if err := checkPtrackPrerequisites(p); err != nil {
		return res, err
	}
	if err := checkReplicaSourceVersion(p); err != nil {
		return res, err
	}
	warnings, err := checkTablespaceCompleteness(ctx, p)
	if err != nil {
		return res, err
	}
	res.Warnings = append(res.Warnings, warnings...)

	if err := checkTimeline(ctx, p); err != nil {
		return res, err
	}

	res.OK = true
	return res, nil
}

func checkEmptiness(p Params) error {
	if p.Mode == model.ModeFull && !p.DestinationEmpty {
		return fmt.Errorf("preflight: destination %q is not empty, required for FULL backup mode", p.DestPgdata)
	}
	if p.Mode.Incremental() && p.DestinationEmpty {
		return fmt.Errorf("preflight: destination %q is empty, %s mode requires an existing backup to catch up", p.DestPgdata, p.Mode)
	}
	return nil
}

func checkPostmasterLiveness(ctx context.Context, p Params) error {
	pid, live, err := p.DestCap.CheckPostmaster(ctx, p.DestPgdata)
	if err != nil {
		return fmt.Errorf("preflight: destination postmaster.pid is present but unparseable: %w", err)
	}
	if live {
		return fmt.Errorf("preflight: destination postmaster (pid %d) is running; refuse to catch up into a live data directory", pid)
	}
	return nil
}

func checkStaleBackupLabel(ctx context.Context, p Params) error {
	if p.DestinationEmpty {
		return nil
	}
	if _, err := p.DestCap.Stat(ctx, p.DestPgdata+"/backup_label"); err == nil {
		return fmt.Errorf("preflight: stale backup_label found in destination; a previous backup was not finalized")
	}
	return nil
}

func checkCleanShutdown(p Params) error {
	if p.DestinationEmpty {
		return nil
	}
	if p.DestControl == nil {
		return fmt.Errorf("preflight: destination control file not loaded")
	}
	if !p.DestControl.State.CleanShutdown() {
		return fmt.Errorf("preflight: destination is not in a clean-shutdown state (state=%s)", p.DestControl.State)
	}
	return nil
}

// checkDiskSpace only runs against a local destination: a remote one would
// need an SSH round trip to statfs, and the remote-I/O capability only
// covers the source side, so there is nothing to statfs for a remote
// destination.
func checkDiskSpace(p Params) error {
	if p.RequiredBytes <= 0 {
		return nil
	}
	if _, local := p.DestCap.(remoteio.Local); !local {
		return nil
	}
	need := uint64(p.RequiredBytes) + MinFreeSpaceMargin
	if err := disk.EnsureSpace(map[string]uint64{nearestExistingAncestor(p.DestPgdata): need}); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	return nil
}

// nearestExistingAncestor walks up from dir until it finds a path that
// exists, for the FULL-into-empty-directory case where DestPgdata itself
// has not been created yet and statfs needs something to stat.
func nearestExistingAncestor(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func checkSystemIdentifiers(p Params) error {
	if p.ServerInfo == nil || p.SourceControl == nil {
		return fmt.Errorf("preflight: missing server info or source control file for system identifier check")
	}
	if p.ServerInfo.SystemIdentifier != p.SourceControl.SystemIdentifier {
		return fmt.Errorf("preflight: system identifier mismatch between source connection (%d) and source control file (%d)",
			p.ServerInfo.SystemIdentifier, p.SourceControl.SystemIdentifier)
	}
	if p.Mode.Incremental() {
		if p.DestControl == nil {
			return fmt.Errorf("preflight: missing destination control file for system identifier check")
		}
		if p.DestControl.SystemIdentifier != p.SourceControl.SystemIdentifier {
			return fmt.Errorf("preflight: system identifier mismatch between source (%d) and destination (%d); refusing to catch up unrelated clusters",
				p.SourceControl.SystemIdentifier, p.DestControl.SystemIdentifier)
		}
	}
	return nil
}

func checkPtrackPrerequisites(p Params) error {
	if p.Mode != model.ModePtrack {
		return nil
	}
	if p.ServerInfo.PtrackVersion == "" {
		return fmt.Errorf("preflight: PTRACK mode requested but the ptrack extension is not installed on the source")
	}
	if p.ServerInfo.PtrackVersion < MinPtrackVersion {
		return fmt.Errorf("preflight: ptrack version %s is too old, need >= %s", p.ServerInfo.PtrackVersion, MinPtrackVersion)
	}
	if !p.ServerInfo.PtrackEnabled {
		return fmt.Errorf("preflight: Ptrack is disabled")
	}
	if p.DestControl == nil {
		return fmt.Errorf("preflight: missing destination control file for ptrack LSN check")
	}
	destRedoLSN := pglogrepl.LSN(p.DestControl.RedoLSN)
	if p.ServerInfo.PtrackLSN == 0 || p.ServerInfo.PtrackLSN > destRedoLSN {
		return fmt.Errorf("preflight: LSN from ptrack_control %s is greater than checkpoint LSN %s; create a new full backup before an incremental one",
			p.ServerInfo.PtrackLSN, destRedoLSN)
	}
	return nil
}

func checkReplicaSourceVersion(p Params) error {
	if !p.FromReplica {
		return nil
	}
	if p.ServerInfo.ExclusiveBackupRequired() {
		return fmt.Errorf("preflight: catching up from a replica requires server_version_num >= %d (non-exclusive backup support), source reports %d",
			postgres.NonExclusiveBackupThreshold, p.ServerInfo.ServerVersion)
	}
	return nil
}

func checkTablespaceCompleteness(ctx context.Context, p Params) ([]string, error) {
	if len(p.SourceTablespaces) == 0 {
		return nil, nil
	}
	unmapped, err := p.TablespaceMap.Validate(p.SourceTablespaces, p.LocalSource)
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}
	var warnings []string
	for _, u := range unmapped {
		warnings = append(warnings, fmt.Sprintf("tablespace %q has no destination mapping; remote source will reuse the source path", u.SourceTarget))
	}

	if p.Mode == model.ModeFull {
		for _, t := range p.SourceTablespaces {
			dest, _ := p.TablespaceMap.Resolve(t)
			entries, err := p.DestCap.List(ctx, dest)
			if err != nil {
				continue // target may not exist yet; that's fine for FULL
			}
			if len(entries) > 0 {
				return nil, fmt.Errorf("preflight: tablespace target %q is not empty, required for FULL backup mode", dest)
			}
		}
	}
	return warnings, nil
}

func checkTimeline(ctx context.Context, p Params) error {
	if !p.Mode.Incremental() || p.DestControl == nil {
		return nil
	}
	decision, err := timeline.Validate(ctx, p.HistoryFetcher, p.SourceControl.CheckPointTLI, p.DestControl.CheckPointTLI, pglogrepl.LSN(p.DestControl.RedoLSN))
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if !decision.OK {
		return fmt.Errorf("preflight: destination timeline %d is not consistent with source timeline %d history", p.DestControl.CheckPointTLI, p.SourceControl.CheckPointTLI)
	}
	return nil
}
