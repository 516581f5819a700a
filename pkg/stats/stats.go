// Package stats exposes the engine's internal counters and histograms as
// Prometheus metrics, registered to a private registry. Nothing in this
// package serves HTTP; exporting the registry is left to the embedder.
package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric the engine updates. It is safe for
// concurrent use, same as the prometheus client types it wraps.
type Collector struct {
	Registry *prometheus.Registry

	Puts        prometheus.Counter
	Deletes     prometheus.Counter
	Gets        prometheus.Counter
	GetHits     prometheus.Counter
	GetMisses   prometheus.Counter
	BytesWALOut prometheus.Counter

	Flushes           prometheus.Counter
	FlushDuration      prometheus.Histogram
	Compactions        prometheus.Counter
	CompactionFailures prometheus.Counter
	CompactionDuration prometheus.Histogram
	SegmentsLive       prometheus.Gauge

	Errors *prometheus.CounterVec
}

// New creates a Collector with every metric registered under namespace.
func New(namespace string) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		Puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "puts_total", Help: "Number of Put operations.",
		}),
		Deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "deletes_total", Help: "Number of Delete operations.",
		}),
		Gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gets_total", Help: "Number of Get operations.",
		}),
		GetHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "get_hits_total", Help: "Number of Get operations that found a value.",
		}),
		GetMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "get_misses_total", Help: "Number of Get operations that found nothing.",
		}),
		BytesWALOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wal_bytes_written_total", Help: "Bytes appended to the WAL.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total", Help: "Number of memtable flushes to a new segment.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_duration_seconds", Help: "Time spent flushing a memtable.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "compactions_total", Help: "Number of completed compaction cycles.",
		}),
		CompactionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "compaction_failures_total", Help: "Number of compaction cycles abandoned after exhausting retries.",
		}),
		CompactionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "compaction_duration_seconds", Help: "Time spent on a compaction cycle.",
		}),
		SegmentsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "segments_live", Help: "Number of segment files currently part of the active set.",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Errors observed, labeled by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.Puts, c.Deletes, c.Gets, c.GetHits, c.GetMisses, c.BytesWALOut,
		c.Flushes, c.FlushDuration, c.Compactions, c.CompactionFailures,
		c.CompactionDuration, c.SegmentsLive, c.Errors,
	)
	return c
}

// ObserveFlush records the duration of a completed flush.
func (c *Collector) ObserveFlush(d time.Duration) {
	c.Flushes.Inc()
	c.FlushDuration.Observe(d.Seconds())
}

// ObserveCompaction records the duration of a completed compaction cycle.
func (c *Collector) ObserveCompaction(d time.Duration) {
	c.Compactions.Inc()
	c.CompactionDuration.Observe(d.Seconds())
}

// RecordError increments the error counter for the given kind label.
func (c *Collector) RecordError(kind string) {
	c.Errors.WithLabelValues(kind).Inc()
}
