package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "loadsim"

// Collector exports RunStats in Prometheus form
type Collector struct {
	stats *RunStats

	elapsed       *prometheus.Desc
	readings      *prometheus.Desc
	entries       *prometheus.Desc
	pending       *prometheus.Desc
	failures      *prometheus.Desc
	flushes       *prometheus.Desc
	flushFailures *prometheus.Desc
	rowsFlushed   *prometheus.Desc
	mlCalls       *prometheus.Desc
	latency       *prometheus.Desc
}

// NewCollector creates a collector. constLabels are attached to every series
// (typically profile and sink).
func NewCollector(stats *RunStats, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}
	return &Collector{
		stats:         stats,
		elapsed:       desc("run_elapsed_seconds", "Time since the run started"),
		readings:      desc("readings_total", "Settled reading submissions by outcome", "outcome"),
		entries:       desc("entries_total", "Settled field entry submissions by outcome", "outcome"),
		pending:       desc("readings_pending", "Readings accepted into a buffer but not yet flushed"),
		failures:      desc("failures_total", "Failed submissions by reason", "reason"),
		flushes:       desc("flushes_total", "Buffer flushes by trigger", "trigger"),
		flushFailures: desc("flush_failures_total", "Bulk writes that failed"),
		rowsFlushed:   desc("rows_flushed_total", "Rows written by successful bulk writes"),
		mlCalls:       desc("ml_probe_calls_total", "ML facade probe calls by outcome", "outcome"),
		latency:       desc("submission_latency_seconds", "Latency of accepted submissions"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.elapsed
	ch <- c.readings
	ch <- c.entries
	ch <- c.pending
	ch <- c.failures
	ch <- c.flushes
	ch <- c.flushFailures
	ch <- c.rowsFlushed
	ch <- c.mlCalls
	ch <- c.latency
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	cnt := c.stats.Counters()

	ch <- prometheus.MustNewConstMetric(c.elapsed, prometheus.GaugeValue, c.stats.Elapsed().Seconds())
	ch <- prometheus.MustNewConstMetric(c.readings, prometheus.CounterValue, float64(cnt.ReadingsSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.readings, prometheus.CounterValue, float64(cnt.ReadingsFailed), "failed")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.CounterValue, float64(cnt.EntriesSent), "sent")
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.CounterValue, float64(cnt.EntriesFailed), "failed")
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(cnt.Pending()))

	for reason, v := range cnt.Failures {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(v), string(reason))
	}
	for trigger, v := range cnt.Flushes {
		ch <- prometheus.MustNewConstMetric(c.flushes, prometheus.CounterValue, float64(v), string(trigger))
	}

	ch <- prometheus.MustNewConstMetric(c.flushFailures, prometheus.CounterValue, float64(cnt.FlushFailures))
	ch <- prometheus.MustNewConstMetric(c.rowsFlushed, prometheus.CounterValue, float64(cnt.RowsFlushed))
	ch <- prometheus.MustNewConstMetric(c.mlCalls, prometheus.CounterValue, float64(cnt.MLCalls-cnt.MLFailures), "ok")
	ch <- prometheus.MustNewConstMetric(c.mlCalls, prometheus.CounterValue, float64(cnt.MLFailures), "failed")

	buckets := make(map[float64]uint64, len(latencyBuckets))
	var cumulative uint64
	for i, upper := range latencyBuckets {
		cumulative += uint64(c.stats.latencyBuckets[i].Load())
		buckets[upper.Seconds()] = cumulative
	}
	count := uint64(c.stats.latencyCount.Load())
	sum := float64(c.stats.latencySumNanos.Load()) / 1e9
	ch <- prometheus.MustNewConstHistogram(c.latency, count, sum, buckets)
}

// NewRegistry returns a registry exposing stats plus the Go runtime collectors
func NewRegistry(stats *RunStats, constLabels prometheus.Labels) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(stats, constLabels))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
