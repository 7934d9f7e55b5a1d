package transfer

import (
	"fmt"
	"time"
)

// Stats is the human-facing summary of one transfer pool run, aggregated
// from model.CurrentOp's own counters rather than parsed rsync --stats
// text, since the transfer pool writes through remoteio.Capability
// directly rather than shelling out to rsync.
type Stats struct {
	FilesCopied  int64
	BytesRead    int64
	BytesWritten int64
}

// formatBytes renders a byte count in decimal (1000-based) units down to
// whole bytes.
func formatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	exp, value := 0, float64(n)
	for value >= unit && exp < 5 {
		value /= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}[exp-1]
	return fmt.Sprintf("%.2f %s", value, suffix)
}

// Summary renders a one-line human-readable report of bytes moved and
// files touched over elapsed wall-clock time.
func (s Stats) Summary(elapsed time.Duration) string {
	if elapsed <= 0 {
		elapsed = time.Second
	}
	rate := int64(float64(s.BytesWritten) / elapsed.Seconds())
	return fmt.Sprintf("%d files, %s read, %s written (%s/sec), elapsed %s",
		s.FilesCopied, formatBytes(s.BytesRead), formatBytes(s.BytesWritten), formatBytes(rate), elapsed.Round(time.Second))
}
