package report

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/internal/metrics"
)

func TestSnapshotEmptyRun(t *testing.T) {
	r := New(metrics.NewRunStats(100), Config{}, nil, zerolog.Nop())
	s := r.Snapshot()

	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Equal(t, int64(0), s.Pending)
	assert.Equal(t, 0, s.Latency.Samples)
	assert.Equal(t, "no samples", s.Latency.String())
}

func TestSnapshotCounters(t *testing.T) {
	stats := metrics.NewRunStats(100)
	for i := 0; i < 10; i++ {
		stats.IncReadingsAttempted()
	}
	stats.ReadingsSent(6)
	stats.ReadingsFailed(2, ingest.ReasonConnection)
	stats.IncEntriesAttempted()
	stats.EntriesSent(1)

	r := New(stats, Config{}, nil, zerolog.Nop())
	s := r.Snapshot()

	assert.Equal(t, int64(10), s.ReadingsAttempted)
	assert.Equal(t, int64(6), s.ReadingsSent)
	assert.Equal(t, int64(2), s.ReadingsFailed)
	assert.Equal(t, int64(2), s.Pending)
	assert.Equal(t, int64(2), s.Errors)
	// 7 of 9 settled submissions succeeded
	assert.InDelta(t, 77.78, s.SuccessRate, 0.01)
	assert.Equal(t, int64(2), s.Failures[ingest.ReasonConnection])
	assert.Greater(t, s.Throughput, 0.0)
}

func TestLatencyInsufficientData(t *testing.T) {
	stats := metrics.NewRunStats(100)
	for i := 0; i < 5; i++ {
		stats.ObserveLatency(10 * time.Millisecond)
	}

	r := New(stats, Config{MinPercentileSamples: 20}, nil, zerolog.Nop())
	s := r.Snapshot()

	assert.False(t, s.Latency.Sufficient)
	assert.Equal(t, 5, s.Latency.Samples)
	assert.InDelta(t, 10.0, s.Latency.AvgMs, 0.001)
	assert.Zero(t, s.Latency.P95Ms)
	assert.Contains(t, s.Latency.String(), "insufficient data (5 samples)")
}

func TestLatencyPercentiles(t *testing.T) {
	stats := metrics.NewRunStats(1000)
	for i := 1; i <= 100; i++ {
		stats.ObserveLatency(time.Duration(i) * time.Millisecond)
	}

	r := New(stats, Config{MinPercentileSamples: 20}, nil, zerolog.Nop())
	s := r.Snapshot()

	require.True(t, s.Latency.Sufficient)
	assert.InDelta(t, 50.5, s.Latency.AvgMs, 0.001)
	assert.InDelta(t, 96.0, s.Latency.P95Ms, 0.001)
	assert.InDelta(t, 100.0, s.Latency.P99Ms, 0.001)
	assert.Contains(t, s.Latency.String(), "p95 96.00 ms")
}

func TestRunWritesProgress(t *testing.T) {
	stats := metrics.NewRunStats(100)
	stats.IncReadingsAttempted()
	stats.ReadingsSent(1)

	var out bytes.Buffer
	r := New(stats, Config{Interval: 20 * time.Millisecond}, &out, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 110*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.GreaterOrEqual(t, len(lines), 3)
	assert.Contains(t, lines[0], "sent:          1")
}

func TestFinalSummary(t *testing.T) {
	stats := metrics.NewRunStats(100)
	for i := 0; i < 30; i++ {
		stats.IncReadingsAttempted()
	}
	stats.ReadingsSent(20)
	stats.ReadingsFailed(10, ingest.ReasonTimeout)
	stats.FlushCompleted(ingest.TriggerSize, 20, 5*time.Millisecond, nil)
	stats.FlushCompleted(ingest.TriggerShutdown, 10, time.Millisecond, errors.New("boom"))

	var out bytes.Buffer
	r := New(stats, Config{}, nil, zerolog.Nop())
	s := r.Final(&out)

	text := out.String()
	assert.Contains(t, text, "RESULTS")
	assert.Contains(t, text, "Readings sent:    20")
	assert.Contains(t, text, "Readings failed:  10")
	assert.Contains(t, text, "Flushes:          2 (1 failed)")
	assert.Contains(t, text, "timeout       10")
	assert.Contains(t, text, "Success rate:     66.67%")
	assert.NotContains(t, text, "pending")
	assert.Equal(t, int64(2), s.TotalFlushes)
}
