package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NonExclusiveBackupThreshold is the server_version_num below which
// pg_backup_start/pg_backup_stop (renamed from pg_start_backup/
// pg_stop_backup in PG 15) must run in exclusive mode.
const NonExclusiveBackupThreshold = 90600

// execer is the Exec subset of pgxpool.Pool, broken out (alongside the
// existing queryer in replica.go) so these functions can run against
// pgxmock in tests instead of a live server.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ServerInfo is the set of facts about the source cluster the preflight
// checker and snapshot controller need before driving the backup protocol,
// the Go equivalent of pg_probackup's PGNodeInfo.
type ServerInfo struct {
	ServerVersion    int
	SystemIdentifier uint64
	IsSuperuser      bool
	InRecovery       bool
	PtrackVersion    string
	PtrackEnabled    bool
	PtrackLSN        pglogrepl.LSN
}

// ExclusiveBackupRequired reports whether this server is too old for the
// non-exclusive pg_backup_start/pg_backup_stop protocol.
func (s *ServerInfo) ExclusiveBackupRequired() bool {
	return s.ServerVersion < NonExclusiveBackupThreshold
}

// CollectServerInfo gathers ServerInfo in one round of queries, mirroring
// get_ptrack_version/pg_is_ptrack_enabled/check_system_identifiers from the
// original collection step.
func CollectServerInfo(ctx context.Context, pool queryer) (*ServerInfo, error) {
	info := &ServerInfo{}

	var verStr string
	if err := pool.QueryRow(ctx, "SHOW server_version_num").Scan(&verStr); err != nil {
		return nil, fmt.Errorf("query server_version_num: %w", err)
	}
	ver, err := strconv.Atoi(verStr)
	if err != nil {
		return nil, fmt.Errorf("parse server_version_num %q: %w", verStr, err)
	}
	info.ServerVersion = ver

	var sysIDStr string
	if err := pool.QueryRow(ctx, "SELECT system_identifier FROM pg_control_system()").Scan(&sysIDStr); err != nil {
		return nil, fmt.Errorf("query system_identifier: %w", err)
	}
	sysID, err := strconv.ParseUint(sysIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse system_identifier %q: %w", sysIDStr, err)
	}
	info.SystemIdentifier = sysID

	if err := pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&info.InRecovery); err != nil {
		return nil, fmt.Errorf("query pg_is_in_recovery: %w", err)
	}

	if err := pool.QueryRow(ctx,
		`SELECT rolsuper FROM pg_roles WHERE rolname = current_user`,
	).Scan(&info.IsSuperuser); err != nil {
		return nil, fmt.Errorf("query current role superuser bit: %w", err)
	}

	var ptrackVersion *string
	if err := pool.QueryRow(ctx,
		`SELECT (SELECT extversion FROM pg_extension WHERE extname = 'ptrack')`,
	).Scan(&ptrackVersion); err != nil {
		return nil, fmt.Errorf("query ptrack extversion: %w", err)
	}
	if ptrackVersion != nil {
		info.PtrackVersion = *ptrackVersion
		var mapSize string
		if err := pool.QueryRow(ctx, "SHOW ptrack.map_size").Scan(&mapSize); err == nil {
			info.PtrackEnabled = mapSize != "0"
		}

		var ptrackLSNStr string
		if err := pool.QueryRow(ctx, "SELECT pg_ptrack_control_lsn()").Scan(&ptrackLSNStr); err != nil {
			return nil, fmt.Errorf("query pg_ptrack_control_lsn: %w", err)
		}
		lsn, err := pglogrepl.ParseLSN(ptrackLSNStr)
		if err != nil {
			return nil, fmt.Errorf("parse ptrack control LSN %q: %w", ptrackLSNStr, err)
		}
		info.PtrackLSN = lsn
	}

	return info, nil
}

// BackupStartResult is what StartBackup reports: the LSN the backup
// begins at and the label text it passed to the server.
type BackupStartResult struct {
	StartLSN  pglogrepl.LSN
	LabelText string
}

// StartBackup issues pg_backup_start (or the exclusive pg_start_backup on
// servers below NonExclusiveBackupThreshold) with the given label, the
// INIT->STARTED transition of the snapshot controller.
func StartBackup(ctx context.Context, pool queryer, label string, exclusive bool, fast bool) (*BackupStartResult, error) {
	fn := "pg_backup_start"
	if exclusive {
		fn = "pg_start_backup"
	}
	var lsnStr string
	if err := pool.QueryRow(ctx, fmt.Sprintf("SELECT %s($1, $2)", fn), label, fast).Scan(&lsnStr); err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	lsn, err := pglogrepl.ParseLSN(lsnStr)
	if err != nil {
		return nil, fmt.Errorf("parse start LSN %q: %w", lsnStr, err)
	}
	return &BackupStartResult{StartLSN: lsn, LabelText: label}, nil
}

// BackupStopResult is what pg_backup_stop returns.
type BackupStopResult struct {
	StopLSN              pglogrepl.LSN
	LabelContent         []byte
	TablespaceMapContent []byte
	SnapshotXID          string
	InvocationTime       time.Time
}

// StopBackup issues pg_backup_stop (or pg_stop_backup on exclusive-mode
// servers), the STREAMING->STOP_SENT->STOP_DONE transition. ctx should
// carry a deadline derived from archive_timeout, since the server blocks
// here until the backup's required WAL has been archived.
func StopBackup(ctx context.Context, pool queryer, exclusive, fromReplica bool) (*BackupStopResult, error) {
	res := &BackupStopResult{InvocationTime: time.Now()}

	if exclusive {
		var lsnStr string
		if err := pool.QueryRow(ctx, "SELECT pg_stop_backup()").Scan(&lsnStr); err != nil {
			return nil, fmt.Errorf("pg_stop_backup: %w", err)
		}
		lsn, err := pglogrepl.ParseLSN(lsnStr)
		if err != nil {
			return nil, fmt.Errorf("parse stop LSN %q: %w", lsnStr, err)
		}
		res.StopLSN = lsn
		return res, nil
	}

	waitForArchive := !fromReplica
	var lsnStr string
	var label, tsMap *string
	row := pool.QueryRow(ctx, "SELECT lsn, labelfile, spcmapfile FROM pg_backup_stop($1)", waitForArchive)
	if err := row.Scan(&lsnStr, &label, &tsMap); err != nil {
		return nil, fmt.Errorf("pg_backup_stop: %w", err)
	}
	lsn, err := pglogrepl.ParseLSN(lsnStr)
	if err != nil {
		return nil, fmt.Errorf("parse stop LSN %q: %w", lsnStr, err)
	}
	res.StopLSN = lsn
	if label != nil {
		res.LabelContent = []byte(*label)
	}
	if tsMap != nil {
		res.TablespaceMapContent = []byte(*tsMap)
	}

	var xid *string
	if err := pool.QueryRow(ctx, "SELECT txid_current_snapshot()::text").Scan(&xid); err == nil && xid != nil {
		res.SnapshotXID = *xid
	}

	return res, nil
}

// CreateRestorePoint calls pg_create_restore_point, the side effect the
// snapshot controller performs immediately before stop-backup (skipped
// for non-superusers, and for replica sources on non-exclusive servers).
func CreateRestorePoint(ctx context.Context, pool queryer, name string) error {
	var lsnStr string
	if err := pool.QueryRow(ctx, "SELECT pg_create_restore_point($1)", name).Scan(&lsnStr); err != nil {
		return fmt.Errorf("pg_create_restore_point: %w", err)
	}
	return nil
}

// SilentClientMessages lowers client_min_messages to ERROR for the rest of
// this session, the equivalent of pg_silent_client_messages: the backend
// otherwise emits a NOTICE on stop-backup that pgx would surface as a
// warning-level log line during finalize.
func SilentClientMessages(ctx context.Context, pool execer) error {
	_, err := pool.Exec(ctx, "SET client_min_messages = error")
	return err
}

// SystemIdentifier returns the connected server's system identifier alone,
// for callers that do not need a full ServerInfo collection (preflight's
// triple-match check reads ServerInfo.SystemIdentifier instead).
func SystemIdentifier(ctx context.Context, pool queryer) (uint64, error) {
	var s string
	if err := pool.QueryRow(ctx, "SELECT system_identifier FROM pg_control_system()").Scan(&s); err != nil {
		return 0, fmt.Errorf("query system_identifier: %w", err)
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse system_identifier %q: %w", s, err)
	}
	return id, nil
}

// TimelineHistory implements timeline.HistoryFetcher against a live
// connection via the replication protocol's TIMELINE_HISTORY command.
// pgx's simple query protocol cannot issue replication-mode commands over
// a pgxpool connection, so this acquires a raw connection and issues it
// directly on its PgConn.
func TimelineHistory(ctx context.Context, pool *pgxpool.Pool, tli uint32) ([]byte, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	res := conn.Conn().PgConn().Exec(ctx, fmt.Sprintf("TIMELINE_HISTORY %d", tli))
	results, err := res.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("TIMELINE_HISTORY %d: %w", tli, err)
	}
	for _, r := range results {
		if len(r.Rows) > 0 && len(r.Rows[0]) > 1 {
			return r.Rows[0][1], nil
		}
	}
	return nil, fmt.Errorf("TIMELINE_HISTORY %d: empty result", tli)
}
