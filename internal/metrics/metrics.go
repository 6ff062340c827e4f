// Package metrics holds the shared run counters and latency windows that
// producers update and the reporter reads.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/wellpulse/loadsim/internal/ingest"
)

// latency histogram bucket upper bounds
var latencyBuckets = []time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	25 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// RunStats holds the counters of one run. Counters only ever increase and
// are safe for concurrent use. RunStats implements ingest.Observer.
type RunStats struct {
	startTime atomic.Pointer[time.Time]

	readingsAttempted atomic.Int64
	readingsSent      atomic.Int64
	readingsFailed    atomic.Int64

	entriesAttempted atomic.Int64
	entriesSent      atomic.Int64
	entriesFailed    atomic.Int64

	// keys are fixed at construction
	failures map[ingest.Reason]*atomic.Int64
	flushes  map[ingest.Trigger]*atomic.Int64

	flushFailures atomic.Int64
	rowsFlushed   atomic.Int64

	mlCalls    atomic.Int64
	mlFailures atomic.Int64

	// cumulative submission latency, len(latencyBuckets)+1 buckets, last is +Inf
	latencyBuckets  []atomic.Int64
	latencySumNanos atomic.Int64
	latencyCount    atomic.Int64

	latency      *LatencyWindow
	flushLatency *LatencyWindow
}

var _ ingest.Observer = (*RunStats)(nil)

// NewRunStats starts the run clock. windowSize bounds the latency window.
func NewRunStats(windowSize int) *RunStats {
	s := &RunStats{
		failures:       make(map[ingest.Reason]*atomic.Int64, len(ingest.Reasons)),
		flushes:        make(map[ingest.Trigger]*atomic.Int64, len(ingest.Triggers)),
		latencyBuckets: make([]atomic.Int64, len(latencyBuckets)+1),
		latency:        NewLatencyWindow(windowSize),
		flushLatency:   NewLatencyWindow(windowSize),
	}
	for _, r := range ingest.Reasons {
		s.failures[r] = new(atomic.Int64)
	}
	for _, t := range ingest.Triggers {
		s.flushes[t] = new(atomic.Int64)
	}
	s.Start()
	return s
}

// Start restarts the run clock; call it when load generation begins so
// setup time is not counted in elapsed time or throughput
func (s *RunStats) Start() {
	now := time.Now()
	s.startTime.Store(&now)
}

// StartTime returns when the run began
func (s *RunStats) StartTime() time.Time { return *s.startTime.Load() }

// Elapsed returns time since the run began
func (s *RunStats) Elapsed() time.Duration { return time.Since(s.StartTime()) }

// Attempts
func (s *RunStats) IncReadingsAttempted() { s.readingsAttempted.Add(1) }
func (s *RunStats) IncEntriesAttempted()  { s.entriesAttempted.Add(1) }

// ML probe
func (s *RunStats) IncMLCalls()    { s.mlCalls.Add(1) }
func (s *RunStats) IncMLFailures() { s.mlFailures.Add(1) }

// ReadingsSent implements ingest.Observer
func (s *RunStats) ReadingsSent(n int) { s.readingsSent.Add(int64(n)) }

// ReadingsFailed implements ingest.Observer
func (s *RunStats) ReadingsFailed(n int, reason ingest.Reason) {
	s.readingsFailed.Add(int64(n))
	s.failure(reason).Add(int64(n))
}

// EntriesSent implements ingest.Observer
func (s *RunStats) EntriesSent(n int) { s.entriesSent.Add(int64(n)) }

// EntriesFailed implements ingest.Observer
func (s *RunStats) EntriesFailed(n int, reason ingest.Reason) {
	s.entriesFailed.Add(int64(n))
	s.failure(reason).Add(int64(n))
}

// FlushCompleted implements ingest.Observer
func (s *RunStats) FlushCompleted(trigger ingest.Trigger, rows int, took time.Duration, err error) {
	if c, ok := s.flushes[trigger]; ok {
		c.Add(1)
	}
	if err != nil {
		s.flushFailures.Add(1)
		return
	}
	s.rowsFlushed.Add(int64(rows))
	s.flushLatency.Add(took)
}

func (s *RunStats) failure(reason ingest.Reason) *atomic.Int64 {
	if c, ok := s.failures[reason]; ok {
		return c
	}
	return s.failures[ingest.ReasonUnknown]
}

// ObserveLatency records the latency of one accepted submission
func (s *RunStats) ObserveLatency(d time.Duration) {
	s.latency.Add(d)
	s.latencySumNanos.Add(int64(d))
	s.latencyCount.Add(1)
	s.latencyBuckets[bucketFor(d)].Add(1)
}

func bucketFor(d time.Duration) int {
	for i, upper := range latencyBuckets {
		if d <= upper {
			return i
		}
	}
	return len(latencyBuckets)
}

// Latency summarizes the recent submission latency window
func (s *RunStats) Latency(minSamples int) LatencySummary {
	return s.latency.Summary(minSamples)
}

// FlushLatency summarizes recent bulk write durations
func (s *RunStats) FlushLatency(minSamples int) LatencySummary {
	return s.flushLatency.Summary(minSamples)
}

// Counters is a point-in-time copy of every counter
type Counters struct {
	ReadingsAttempted int64
	ReadingsSent      int64
	ReadingsFailed    int64
	EntriesAttempted  int64
	EntriesSent       int64
	EntriesFailed     int64
	FlushFailures     int64
	RowsFlushed       int64
	MLCalls           int64
	MLFailures        int64
	Failures          map[ingest.Reason]int64
	Flushes           map[ingest.Trigger]int64
}

// Counters reads every counter. Individual loads are atomic; the set as a
// whole is not a consistent cut while producers are running.
func (s *RunStats) Counters() Counters {
	c := Counters{
		// settled counters first so attempted never reads lower than settled
		ReadingsSent:   s.readingsSent.Load(),
		ReadingsFailed: s.readingsFailed.Load(),
		EntriesSent:    s.entriesSent.Load(),
		EntriesFailed:  s.entriesFailed.Load(),
		FlushFailures:  s.flushFailures.Load(),
		RowsFlushed:    s.rowsFlushed.Load(),
		MLCalls:        s.mlCalls.Load(),
		MLFailures:     s.mlFailures.Load(),
		Failures:       make(map[ingest.Reason]int64, len(s.failures)),
		Flushes:        make(map[ingest.Trigger]int64, len(s.flushes)),
	}
	c.ReadingsAttempted = s.readingsAttempted.Load()
	c.EntriesAttempted = s.entriesAttempted.Load()

	for r, v := range s.failures {
		c.Failures[r] = v.Load()
	}
	for t, v := range s.flushes {
		c.Flushes[t] = v.Load()
	}
	return c
}

// Pending is the number of readings accepted but not yet settled by a flush
func (c Counters) Pending() int64 {
	p := c.ReadingsAttempted - c.ReadingsSent - c.ReadingsFailed
	if p < 0 {
		return 0
	}
	return p
}

// Sent is the number of readings and entries the sink acknowledged
func (c Counters) Sent() int64 { return c.ReadingsSent + c.EntriesSent }

// Errors is the number of failed readings and entries
func (c Counters) Errors() int64 { return c.ReadingsFailed + c.EntriesFailed }

// SuccessRate is the acknowledged share of settled submissions, in percent.
// It is 100 when nothing has settled yet.
func (c Counters) SuccessRate() float64 {
	settled := c.Sent() + c.Errors()
	if settled == 0 {
		return 100
	}
	return float64(c.Sent()) / float64(settled) * 100
}

// TotalFlushes sums flushes over every trigger
func (c Counters) TotalFlushes() int64 {
	var n int64
	for _, v := range c.Flushes {
		n += v
	}
	return n
}
