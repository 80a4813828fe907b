package metrics

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// RunStats accumulates counters for one synchronization run and feeds the
// same values into the metrics Handler. It is safe for concurrent use by
// workers.
type RunStats struct {
	started time.Time

	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	malformed atomic.Int64
	bytes     atomic.Int64
	peakRSS   atomic.Uint64

	proc *process.Process

	itemCounter  Int64Counter
	byteCounter  Int64Counter
	failCounter  Int64Counter
	rssGauge     Int64Gauge
	itemDuration Int64Histogram
}

func NewRunStats(handler Handler) *RunStats {
	s := &RunStats{
		started:      time.Now(),
		itemCounter:  handler.Int64Counter("vexsync.items.processed", "items processed", Dimensionless),
		byteCounter:  handler.Int64Counter("vexsync.bytes.processed", "payload bytes processed", Bytes),
		failCounter:  handler.Int64Counter("vexsync.items.failed", "items failed", Dimensionless),
		rssGauge:     handler.Int64Gauge("vexsync.memory.rss", "resident set size", Bytes),
		itemDuration: handler.Int64Histogram("vexsync.item.duration", "per-item processing time", Milliseconds),
	}

	// Best effort; a missing /proc entry just disables memory sampling.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}

	return s
}

func (s *RunStats) RecordSuccess(ctx context.Context, payloadBytes int64, took time.Duration) {
	s.succeeded.Add(1)
	s.bytes.Add(payloadBytes)
	s.itemCounter.Add(ctx, 1)
	s.byteCounter.Add(ctx, payloadBytes)
	s.itemDuration.Record(ctx, took.Milliseconds())
}

func (s *RunStats) RecordFailure(ctx context.Context) {
	s.failed.Add(1)
	s.itemCounter.Add(ctx, 1)
	s.failCounter.Add(ctx, 1)
}

func (s *RunStats) RecordSkip(ctx context.Context) {
	s.skipped.Add(1)
	s.itemCounter.Add(ctx, 1)
}

func (s *RunStats) RecordMalformed(_ context.Context) {
	s.malformed.Add(1)
}

// SampleMemory takes a best-effort RSS reading, keeping the peak. Called
// between batches rather than on a timer so an idle run costs nothing.
func (s *RunStats) SampleMemory(ctx context.Context) {
	if s.proc == nil {
		return
	}
	mi, err := s.proc.MemoryInfo()
	if err != nil || mi == nil {
		return
	}
	for {
		peak := s.peakRSS.Load()
		if mi.RSS <= peak || s.peakRSS.CompareAndSwap(peak, mi.RSS) {
			break
		}
	}
	s.rssGauge.Observe(ctx, int64(mi.RSS))
}

// Summary is the end-of-run report.
type Summary struct {
	Processed       int64
	Succeeded       int64
	Failed          int64
	Skipped         int64
	Malformed       int64
	Bytes           int64
	Elapsed         time.Duration
	ItemsPerSec     float64
	BytesPerSec     float64
	PeakConnections int64
	PeakRSSBytes    uint64
}

// Summarize produces the final summary. peakConnections comes from the
// connection pool, which owns that observation.
func (s *RunStats) Summarize(peakConnections int64) *Summary {
	elapsed := time.Since(s.started)
	succeeded := s.succeeded.Load()
	failed := s.failed.Load()
	skipped := s.skipped.Load()

	sum := &Summary{
		Processed:       succeeded + failed + skipped,
		Succeeded:       succeeded,
		Failed:          failed,
		Skipped:         skipped,
		Malformed:       s.malformed.Load(),
		Bytes:           s.bytes.Load(),
		Elapsed:         elapsed,
		PeakConnections: peakConnections,
		PeakRSSBytes:    s.peakRSS.Load(),
	}

	if secs := elapsed.Seconds(); secs > 0 {
		sum.ItemsPerSec = float64(sum.Processed) / secs
		sum.BytesPerSec = float64(sum.Bytes) / secs
	}

	return sum
}

func (s *Summary) String() string {
	out := fmt.Sprintf(
		"processed=%d succeeded=%d failed=%d skipped=%d elapsed=%s throughput=%.1f items/s %.1f B/s",
		s.Processed, s.Succeeded, s.Failed, s.Skipped,
		s.Elapsed.Round(time.Millisecond), s.ItemsPerSec, s.BytesPerSec,
	)
	if s.Malformed > 0 {
		out += fmt.Sprintf(" malformed=%d", s.Malformed)
	}
	return out
}
