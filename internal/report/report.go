// Package report prints periodic and final summaries of a run.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/internal/metrics"
)

const rule = "================================================================================"

// Config controls the reporter
type Config struct {
	Interval             time.Duration
	MinPercentileSamples int
}

// DefaultConfig reports every 10s and needs 20 samples for percentiles
func DefaultConfig() Config {
	return Config{
		Interval:             10 * time.Second,
		MinPercentileSamples: 20,
	}
}

// Latency is a LatencySummary in milliseconds
type Latency struct {
	Samples    int     `json:"samples"`
	AvgMs      float64 `json:"avg_ms"`
	MaxMs      float64 `json:"max_ms"`
	P50Ms      float64 `json:"p50_ms,omitempty"`
	P95Ms      float64 `json:"p95_ms,omitempty"`
	P99Ms      float64 `json:"p99_ms,omitempty"`
	Sufficient bool    `json:"sufficient"`
}

// Snapshot is a point-in-time view of a run
type Snapshot struct {
	Elapsed        time.Duration `json:"-"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`

	ReadingsAttempted int64 `json:"readings_attempted"`
	ReadingsSent      int64 `json:"readings_sent"`
	ReadingsFailed    int64 `json:"readings_failed"`
	Pending           int64 `json:"pending"`

	EntriesSent   int64 `json:"entries_sent"`
	EntriesFailed int64 `json:"entries_failed"`

	Throughput  float64 `json:"readings_per_second"`
	Errors      int64   `json:"errors"`
	SuccessRate float64 `json:"success_rate"`

	Latency      Latency `json:"latency"`
	FlushLatency Latency `json:"flush_latency"`

	Failures map[ingest.Reason]int64  `json:"failures"`
	Flushes  map[ingest.Trigger]int64 `json:"flushes"`

	TotalFlushes  int64 `json:"flushes_total"`
	FlushFailures int64 `json:"flush_failures"`

	MLCalls    int64 `json:"ml_calls"`
	MLFailures int64 `json:"ml_failures"`
}

// Reporter turns RunStats into snapshots on a fixed interval
type Reporter struct {
	stats  *metrics.RunStats
	cfg    Config
	out    io.Writer
	logger zerolog.Logger
}

// New creates a reporter writing tables to out
func New(stats *metrics.RunStats, cfg Config, out io.Writer, logger zerolog.Logger) *Reporter {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinPercentileSamples <= 0 {
		cfg.MinPercentileSamples = def.MinPercentileSamples
	}
	if out == nil {
		out = io.Discard
	}
	return &Reporter{stats: stats, cfg: cfg, out: out, logger: logger}
}

// Run reports every interval until ctx is cancelled
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := r.Snapshot()
			r.writeLine(s)
			r.logSnapshot(s)
		}
	}
}

// Snapshot reads the current counters and latency windows
func (r *Reporter) Snapshot() Snapshot {
	elapsed := r.stats.Elapsed()
	c := r.stats.Counters()

	s := Snapshot{
		Elapsed:           elapsed,
		ElapsedSeconds:    elapsed.Seconds(),
		ReadingsAttempted: c.ReadingsAttempted,
		ReadingsSent:      c.ReadingsSent,
		ReadingsFailed:    c.ReadingsFailed,
		Pending:           c.Pending(),
		EntriesSent:       c.EntriesSent,
		EntriesFailed:     c.EntriesFailed,
		Errors:            c.Errors(),
		SuccessRate:       c.SuccessRate(),
		Latency:           toLatency(r.stats.Latency(r.cfg.MinPercentileSamples)),
		FlushLatency:      toLatency(r.stats.FlushLatency(r.cfg.MinPercentileSamples)),
		Failures:          c.Failures,
		Flushes:           c.Flushes,
		TotalFlushes:      c.TotalFlushes(),
		FlushFailures:     c.FlushFailures,
		MLCalls:           c.MLCalls,
		MLFailures:        c.MLFailures,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		s.Throughput = float64(c.ReadingsSent) / secs
	}
	return s
}

func toLatency(l metrics.LatencySummary) Latency {
	return Latency{
		Samples:    l.Samples,
		AvgMs:      ms(l.Avg),
		MaxMs:      ms(l.Max),
		P50Ms:      ms(l.P50),
		P95Ms:      ms(l.P95),
		P99Ms:      ms(l.P99),
		Sufficient: l.Sufficient,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// String renders the latency line of a report
func (l Latency) String() string {
	if l.Samples == 0 {
		return "no samples"
	}
	if !l.Sufficient {
		return fmt.Sprintf("avg %.2f ms, percentiles: insufficient data (%d samples)", l.AvgMs, l.Samples)
	}
	return fmt.Sprintf("avg %.2f ms, p50 %.2f ms, p95 %.2f ms, p99 %.2f ms", l.AvgMs, l.P50Ms, l.P95Ms, l.P99Ms)
}

func (r *Reporter) writeLine(s Snapshot) {
	fmt.Fprintf(r.out, "[%6.1fs] sent: %10d | failed: %8d | pending: %6d | entries: %6d | %8.1f/s | success: %6.2f%% | %s\n",
		s.ElapsedSeconds, s.ReadingsSent, s.ReadingsFailed, s.Pending, s.EntriesSent,
		s.Throughput, s.SuccessRate, s.Latency)
}

func (r *Reporter) logSnapshot(s Snapshot) {
	ev := r.logger.Info().
		Float64("elapsed_s", s.ElapsedSeconds).
		Int64("readings_sent", s.ReadingsSent).
		Int64("readings_failed", s.ReadingsFailed).
		Int64("pending", s.Pending).
		Int64("entries_sent", s.EntriesSent).
		Float64("readings_per_sec", s.Throughput).
		Float64("success_rate", s.SuccessRate).
		Int("latency_samples", s.Latency.Samples).
		Float64("latency_avg_ms", s.Latency.AvgMs)
	if s.Latency.Sufficient {
		ev = ev.Float64("latency_p95_ms", s.Latency.P95Ms).Float64("latency_p99_ms", s.Latency.P99Ms)
	}
	ev.Msg("Run progress")
}

// Final writes the end-of-run summary
func (r *Reporter) Final(w io.Writer) Snapshot {
	s := r.Snapshot()

	var b strings.Builder
	b.WriteString("\n" + rule + "\n")
	b.WriteString("RESULTS\n")
	b.WriteString(rule + "\n")
	fmt.Fprintf(&b, "Runtime:          %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&b, "Readings sent:    %d\n", s.ReadingsSent)
	fmt.Fprintf(&b, "Readings failed:  %d\n", s.ReadingsFailed)
	if s.Pending > 0 {
		fmt.Fprintf(&b, "Readings pending: %d\n", s.Pending)
	}
	fmt.Fprintf(&b, "Entries sent:     %d\n", s.EntriesSent)
	fmt.Fprintf(&b, "Entries failed:   %d\n", s.EntriesFailed)
	fmt.Fprintf(&b, "Errors:           %d\n", s.Errors)
	fmt.Fprintf(&b, "Success rate:     %.2f%%\n", s.SuccessRate)
	fmt.Fprintf(&b, "Throughput:       %.1f readings/sec\n", s.Throughput)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Latency:          %s\n", s.Latency)
	if s.Latency.Samples > 0 {
		fmt.Fprintf(&b, "Latency max:      %.2f ms\n", s.Latency.MaxMs)
	}

	if s.TotalFlushes > 0 {
		fmt.Fprintf(&b, "\nFlushes:          %d (%d failed)\n", s.TotalFlushes, s.FlushFailures)
		for _, t := range ingest.Triggers {
			fmt.Fprintf(&b, "  %-10s %d\n", t, s.Flushes[t])
		}
		fmt.Fprintf(&b, "  %-10s %s\n", "duration", s.FlushLatency)
	}

	if s.Errors > 0 {
		b.WriteString("\nFailures by reason:\n")
		for _, reason := range ingest.Reasons {
			if n := s.Failures[reason]; n > 0 {
				fmt.Fprintf(&b, "  %-13s %d\n", reason, n)
			}
		}
	}

	if s.MLCalls > 0 {
		fmt.Fprintf(&b, "\nML probe calls:   %d (%d failed)\n", s.MLCalls, s.MLFailures)
	}
	b.WriteString(rule + "\n")

	if w != nil {
		io.WriteString(w, b.String())
	}

	r.logger.Info().
		Dur("runtime", s.Elapsed).
		Int64("readings_sent", s.ReadingsSent).
		Int64("readings_failed", s.ReadingsFailed).
		Int64("entries_sent", s.EntriesSent).
		Int64("entries_failed", s.EntriesFailed).
		Float64("success_rate", s.SuccessRate).
		Msg("Run complete")

	return s
}
