package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Cycle outcomes used as the "outcome" label.
const (
	OutcomeUploaded = "uploaded"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Collector holds the backup metrics on its own registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	LastSuccess   prometheus.Gauge
	Purged        prometheus.Counter
	PurgeFailures prometheus.Counter
}

// New creates a collector with the "backuplet" namespace.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backuplet",
			Name:      "cycles_total",
			Help:      "Backup cycles by outcome",
		}, []string{"backend", "outcome"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "backuplet",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of backup cycles in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backuplet",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that uploaded or found an existing archive",
		}),
		Purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backuplet",
			Name:      "purged_entries_total",
			Help:      "Local export entries removed",
		}),
		PurgeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backuplet",
			Name:      "purge_failures_total",
			Help:      "Local export entries that could not be removed",
		}),
	}
	reg.MustRegister(c.Cycles, c.CycleDuration, c.LastSuccess, c.Purged, c.PurgeFailures)
	return c
}

// ObserveCycle records one cycle.
func (c *Collector) ObserveCycle(backend, outcome string, elapsed time.Duration, at time.Time) {
	if c == nil {
		return
	}
	c.Cycles.WithLabelValues(backend, outcome).Inc()
	c.CycleDuration.Observe(elapsed.Seconds())
	if outcome != OutcomeFailed {
		c.LastSuccess.Set(float64(at.Unix()))
	}
}

// ObservePurge records one purge pass.
func (c *Collector) ObservePurge(removed, failed int) {
	if c == nil {
		return
	}
	c.Purged.Add(float64(removed))
	c.PurgeFailures.Add(float64(failed))
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP listener exposing /metrics. The returned stop function
// shuts it down.
func (c *Collector) Serve(addr string) (stop func(context.Context) error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("action", "metrics").Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	log.Info().Str("action", "metrics").Str("addr", addr).Msg("serving /metrics")
	return srv.Shutdown
}
