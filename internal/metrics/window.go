package metrics

import (
	"sort"
	"sync"
	"time"
)

// DefaultWindowSize is how many recent latency samples are kept
const DefaultWindowSize = 1000

// LatencyWindow is a fixed-size ring buffer of the most recent latencies.
// Older samples are overwritten once the window is full.
type LatencyWindow struct {
	mu       sync.RWMutex
	samples  []time.Duration
	size     int
	writePos int
	count    int
	total    int64
}

// NewLatencyWindow creates a window holding at most size samples
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &LatencyWindow{
		samples: make([]time.Duration, size),
		size:    size,
	}
}

// Add records one sample, evicting the oldest when full
func (w *LatencyWindow) Add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.writePos] = d
	w.writePos = (w.writePos + 1) % w.size
	if w.count < w.size {
		w.count++
	}
	w.total++
}

// Len returns the number of samples currently held
func (w *LatencyWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Total returns how many samples were ever added
func (w *LatencyWindow) Total() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.total
}

// Recent returns the held samples from oldest to newest
func (w *LatencyWindow) Recent() []time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]time.Duration, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.samples[(w.writePos-w.count+i+w.size)%w.size]
	}
	return out
}

// LatencySummary describes the samples in a window.
// Percentiles are only filled in when Sufficient is true.
type LatencySummary struct {
	Samples    int
	Avg        time.Duration
	Max        time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Sufficient bool
}

// Summary computes the average over all held samples and percentiles when at
// least minSamples are held
func (w *LatencyWindow) Summary(minSamples int) LatencySummary {
	samples := w.Recent()
	s := LatencySummary{Samples: len(samples)}
	if len(samples) == 0 {
		return s
	}

	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	s.Avg = sum / time.Duration(len(samples))

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	s.Max = samples[len(samples)-1]

	if minSamples < 1 {
		minSamples = 1
	}
	if len(samples) >= minSamples {
		s.Sufficient = true
		s.P50 = percentile(samples, 0.50)
		s.P95 = percentile(samples, 0.95)
		s.P99 = percentile(samples, 0.99)
	}
	return s
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
