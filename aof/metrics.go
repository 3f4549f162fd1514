package aof

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics groups the prometheus instrumentation for one Writer +
// Rewriter pair. A nil Registerer is safe to construct with — promauto
// simply skips registration entirely, so the collectors still work for
// in-process reads but nothing exposes them over /metrics. Pass
// WithMetricsRegisterer (cmd/server wires prometheus.DefaultRegisterer)
// to have them show up on a scrape.
type metrics struct {
	durableOffset       prometheus.Gauge
	delayedFsyncTotal   prometheus.Counter
	consecutiveFailures prometheus.Gauge
	rewriteDuration     prometheus.Histogram
	rewriteTotal        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		durableOffset: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aof",
			Name:      "durable_replication_offset",
			Help:      "Highest replication offset known to be fsynced to the AOF.",
		}),
		delayedFsyncTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aof",
			Name:      "delayed_fsyncs_total",
			Help:      "Number of flushes postponed because a background fsync was already in flight.",
		}),
		consecutiveFailures: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "aof",
			Name:      "rewrite_consecutive_failures",
			Help:      "Consecutive background rewrite failures since the last success.",
		}),
		rewriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aof",
			Name:      "rewrite_duration_seconds",
			Help:      "Wall-clock duration of background rewrites.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		rewriteTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aof",
			Name:      "rewrites_total",
			Help:      "Background rewrites by outcome.",
		}, []string{"outcome"}),
	}
}
