package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // logical connections opened since process start
	ClosedConns atomic.Int64 // logical connections torn down since process start
	BytesSent   atomic.Int64 // bytes handed to the transport
	BytesRecv   atomic.Int64 // bytes received from the transport
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Live returns the number of logical connections currently open.
func (s *stats) Live() int64 { return s.TotalConns.Load() - s.ClosedConns.Load() }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// RunStatsReporter logs tunnel statistics every interval until ctx is
// cancelled. Quiet periods are not logged.
func RunStatsReporter(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	secs := interval.Seconds()

	var prevSent, prevRecv, prevTotal, prevClosed int64
	for {
		select {
		case <-ticker.C:
			total := Stats.TotalConns.Load()
			closed := Stats.ClosedConns.Load()
			sent := Stats.BytesSent.Load()
			recv := Stats.BytesRecv.Load()

			outS := float64(sent-prevSent) / secs
			inS := float64(recv-prevRecv) / secs
			opened := total - prevTotal
			ended := closed - prevClosed

			if opened > 0 || ended > 0 || inS > 10 || outS > 10 {
				pterm.DefaultLogger.Info(formatStats(inS, outS, opened, ended, total-closed))
			}

			prevSent = sent
			prevRecv = recv
			prevTotal = total
			prevClosed = closed

		case <-ctx.Done():
			return nil
		}
	}
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, opened, ended, live int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ (%d live)",
		sizestr.ToString(int64(inS)),
		sizestr.ToString(int64(outS)),
		opened,
		ended,
		live,
	)
}
