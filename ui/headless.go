package ui

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultLogInterval is the period of headless progress lines.
const DefaultLogInterval = 5 * time.Second

// LogProgress logs a one-line summary of p every interval until ctx is done.
// It is the headless counterpart of the TUI.
func LogProgress(ctx context.Context, p *Progress, logger *slog.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultLogInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64 = -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Snapshot()
			if st.CompletedBytes == last && len(st.ActiveStreams) == 0 {
				continue
			}
			last = st.CompletedBytes
			logger.Info("progress",
				"files", st.CompletedFiles+st.Skipped,
				"total", st.TotalFiles,
				"bytes", humanize.Bytes(uint64(st.CompletedBytes)),
				"of", humanize.Bytes(uint64(st.TotalBytes)),
				"rate", formatSpeed(st.BytesPerSec),
				"active", len(st.ActiveStreams),
				"eta", formatETA(st.TotalBytes-st.CompletedBytes, st.BytesPerSec))
		}
	}
}
