package wal

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
)

// DefaultPollInterval paces the filesystem polling FlushWaiter does while
// waiting for pg_receivewal to catch up to a target LSN.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultSegSize is the standard 16MiB WAL segment size; most clusters
// never change --with-wal-segsize from the build default.
const DefaultSegSize = 16 * 1024 * 1024

// FlushWaiter blocks until streamed WAL has been flushed past a target
// LSN, the STOP_DONE->WAL_CAUGHT_UP wait the snapshot controller performs.
type FlushWaiter interface {
	WaitFlushed(ctx context.Context, target pglogrepl.LSN) error
}

// DirPoller implements FlushWaiter by polling the receiver's WAL directory
// for the newest complete (non-.partial) segment file and decoding its
// ending LSN from the filename, the same signal pg_receivewal itself
// exposes: it renames a segment away from its ".partial" suffix only once
// the segment is durably flushed to disk.
type DirPoller struct {
	Dir      string
	SegSize  uint64 // WAL segment size in bytes, default DefaultSegSize
	Interval time.Duration
}

// WaitFlushed polls Dir until a completed segment's end LSN reaches
// target, or ctx is done.
func (p *DirPoller) WaitFlushed(ctx context.Context, target pglogrepl.LSN) error {
	segSize := p.SegSize
	if segSize == 0 {
		segSize = DefaultSegSize
	}
	interval := p.Interval
	if interval == 0 {
		interval = DefaultPollInterval
	}

	for {
		flushed, err := p.flushedUpTo(segSize)
		if err != nil {
			return err
		}
		if flushed >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wal: timed out waiting for flush past %s (last seen %s): %w", target, flushed, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// flushedUpTo inspects Dir and returns the LSN one past the end of the
// newest complete segment file found, or 0 if none exist yet.
func (p *DirPoller) flushedUpTo(segSize uint64) (pglogrepl.LSN, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return 0, fmt.Errorf("wal: read %s: %w", p.Dir, err)
	}
	var best pglogrepl.LSN
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 24 {
			continue
		}
		segEnd, ok := segmentEndLSN(e.Name(), segSize)
		if ok && segEnd > best {
			best = segEnd
		}
	}
	return best, nil
}

// segmentEndLSN decodes a 24-hex-digit WAL segment filename
// (TTTTTTTTLLLLLLLLSSSSSSSS: timeline, log id, segment id) into the LSN
// one past the end of that segment, following the same log/seg <-> LSN
// arithmetic as PostgreSQL's XLogFileName/XLogSegNoOffsetToRecPtr.
func segmentEndLSN(name string, segSize uint64) (pglogrepl.LSN, bool) {
	if len(name) != 24 {
		return 0, false
	}
	for _, c := range name {
		if !strconvIsHex(c) {
			return 0, false
		}
	}
	logID, err := strconv.ParseUint(name[8:16], 16, 32)
	if err != nil {
		return 0, false
	}
	segID, err := strconv.ParseUint(name[16:24], 16, 32)
	if err != nil {
		return 0, false
	}
	segmentsPerXLogID := uint64(0x100000000) / segSize
	segNo := logID*segmentsPerXLogID + segID
	return pglogrepl.LSN((segNo + 1) * segSize), true
}

func strconvIsHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
