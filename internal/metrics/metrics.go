// Package metrics exposes prometheus instruments for the sync and prune loops.
//
// Every method is safe to call on a nil *Metrics, so components can take an
// optional metrics handle without guarding each call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loom"

// Metrics holds the registry and instruments for one process.
type Metrics struct {
	registry *prometheus.Registry

	syncEvents    *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	pending       *prometheus.GaugeVec
	pruneRemoved  *prometheus.CounterVec
	pruneCleared  *prometheus.CounterVec
	pruneDuration *prometheus.HistogramVec
	remoteChecks  *prometheus.CounterVec
	lastPrune     *prometheus.GaugeVec
}

// New creates a private registry with process and Go collectors attached.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Drained filesystem events applied to the store, by operation and outcome.",
		}, []string{"db", "op", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one sync pass.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"db"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "accumulator",
			Name:      "pending_paths",
			Help:      "Paths with a pending change waiting for the next drain.",
		}, []string{"db"}),
		pruneRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prune",
			Name:      "removed_total",
			Help:      "Records deleted by prune passes.",
		}, []string{"db", "collection"}),
		pruneCleared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prune",
			Name:      "fields_cleared_total",
			Help:      "Remote identifier fields cleared after a definitive-absent check.",
		}, []string{"db", "field"}),
		pruneDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "prune",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one prune pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"db", "remote"}),
		remoteChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prune",
			Name:      "remote_checks_total",
			Help:      "Remote existence checks by outcome.",
		}, []string{"outcome"}),
		lastPrune: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prune",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed prune pass.",
		}, []string{"db"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.syncEvents, m.syncDuration, m.pending,
		m.pruneRemoved, m.pruneCleared, m.pruneDuration,
		m.remoteChecks, m.lastPrune,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SyncEvent counts one applied event.
func (m *Metrics) SyncEvent(db, op, outcome string) {
	if m == nil {
		return
	}
	m.syncEvents.WithLabelValues(db, op, outcome).Inc()
}

// SyncPass records the duration of a sync pass.
func (m *Metrics) SyncPass(db string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(db).Observe(d.Seconds())
}

// Pending sets the accumulator backlog for db.
func (m *Metrics) Pending(db string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(db).Set(float64(n))
}

// PruneRemoved counts records deleted from collection.
func (m *Metrics) PruneRemoved(db, collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pruneRemoved.WithLabelValues(db, collection).Add(float64(n))
}

// PruneCleared counts cleared remote fields.
func (m *Metrics) PruneCleared(db, field string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.pruneCleared.WithLabelValues(db, field).Add(float64(n))
}

// PrunePass records a completed prune pass.
func (m *Metrics) PrunePass(db string, remote bool, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	label := "false"
	if remote {
		label = "true"
	}
	m.pruneDuration.WithLabelValues(db, label).Observe(d.Seconds())
	m.lastPrune.WithLabelValues(db).Set(float64(at.Unix()))
}

// RemoteCheck counts one remote existence check.
func (m *Metrics) RemoteCheck(outcome string) {
	if m == nil {
		return
	}
	m.remoteChecks.WithLabelValues(outcome).Inc()
}
