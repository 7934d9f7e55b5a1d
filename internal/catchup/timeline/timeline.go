// Package timeline validates that a destination's redo point lies on the
// source's timeline history, mirroring the check pg_probackup's catchup
// path runs via readTimeLineHistory/satisfy_timeline before trusting an
// incremental destination.
package timeline

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
)

// Entry is one line of a .history file: the timeline that ended, and the
// LSN at which it switched to the next one.
type Entry struct {
	TLI       uint32
	SwitchLSN pglogrepl.LSN
}

// History is the ordered sequence of timeline switches leading up to (but
// not including) the current timeline, youngest last.
type History struct {
	Entries []Entry
}

// Parse reads a timeline history document in the format the replication
// protocol's TIMELINE_HISTORY command returns: one line per ancestor
// timeline, "<tli>\t<LSN>\t<reason...>", blank lines and "#"-comments
// ignored.
func Parse(doc []byte) (History, error) {
	var h History
	sc := bufio.NewScanner(strings.NewReader(string(doc)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return History{}, fmt.Errorf("timeline history: malformed line %q", line)
		}
		tli, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return History{}, fmt.Errorf("timeline history: bad timeline id %q: %w", fields[0], err)
		}
		lsn, err := pglogrepl.ParseLSN(fields[1])
		if err != nil {
			return History{}, fmt.Errorf("timeline history: bad switch LSN %q: %w", fields[1], err)
		}
		h.Entries = append(h.Entries, Entry{TLI: uint32(tli), SwitchLSN: lsn})
	}
	if err := sc.Err(); err != nil {
		return History{}, err
	}
	return h, nil
}

// Satisfies reports whether a destination sitting at (destTLI, destLSN)
// is consistent with the source's history for its current timeline
// currentTLI: either destTLI IS the source's current timeline, or destTLI
// appears in the history at a switch LSN >= destLSN (the destination
// diverged from that ancestor timeline no later than the source did).
func Satisfies(h History, currentTLI, destTLI uint32, destLSN pglogrepl.LSN) bool {
	if destTLI == currentTLI {
		return true
	}
	for _, e := range h.Entries {
		if e.TLI == destTLI {
			return e.SwitchLSN >= destLSN
		}
	}
	return false
}

// ParentOf returns the timeline destTLI switched from, per h, and whether
// an entry for destTLI was found at all.
func ParentOf(h History, destTLI uint32) (parent uint32, found bool) {
	for i, e := range h.Entries {
		if e.TLI == destTLI {
			if i == 0 {
				return 0, true
			}
			return h.Entries[i-1].TLI, true
		}
	}
	return 0, false
}
