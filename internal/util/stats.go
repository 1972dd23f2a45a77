package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide datagram/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns       atomic.Int64 // cumulative count of connections since process start
	ClosedConns      atomic.Int64 // cumulative count of removed connections since process start
	RejectedConns    atomic.Int64 // senders answered with SERVER_FULL or SERVER_NOT_ACCEPTING
	DatagramsSent    atomic.Int64 // datagrams handed to the socket
	DatagramsRecv    atomic.Int64 // datagrams read from the socket
	DatagramsDropped atomic.Int64 // datagrams discarded by simulated loss
	BytesSent        atomic.Int64 // cumulative bytes written to the socket
	BytesRecv        atomic.Int64 // cumulative bytes read from the socket
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) RejectConn()   { s.RejectedConns.Add(1) }
func (s *stats) AddDropped()   { s.DatagramsDropped.Add(1) }
func (s *stats) AddSent(n int) { s.DatagramsSent.Add(1); s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.DatagramsRecv.Add(1); s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs transport statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevTotal, prevClosed, prevDropped int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				dropped := Stats.DatagramsDropped.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				inC := total - prevTotal
				outC := closed - prevClosed
				lost := dropped - prevDropped

				if inC > 0 || outC > 0 || inS > 10 || outS > 10 || lost > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inC, outC, lost))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed
				prevDropped = dropped

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inC, outC, dropped int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		inC,
		outC,
		dropped,
	)
}
