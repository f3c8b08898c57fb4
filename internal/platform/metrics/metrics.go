package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Finalize outcomes used as the "result" label.
const (
	ResultOK       = "ok"
	ResultNoChunks = "no_chunks"
	ResultNotFound = "not_found"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Metrics holds Prometheus counters and gauges for the streaming pipeline.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	scanCyclesTotal     prometheus.Counter
	scanErrorsTotal     prometheus.Counter
	manifestsWritten    prometheus.Counter
	chunksServedTotal   prometheus.Counter
	finalizationsTotal  *prometheus.CounterVec
	finalizeSeconds     prometheus.Histogram
	signalsRelayedTotal *prometheus.CounterVec
	signalsDroppedTotal *prometheus.CounterVec
	activeRooms         prometheus.Gauge
	activeSessions      prometheus.Gauge
}

// New creates and registers Prometheus metrics for the pipeline.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchstream_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchstream_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		scanCyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchstream_scan_cycles_total",
			Help: "Completed playlist builder scan cycles",
		}),
		scanErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchstream_scan_errors_total",
			Help: "Per-session failures observed during scan cycles",
		}),
		manifestsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchstream_manifests_written_total",
			Help: "Manifest files rewritten because their content changed",
		}),
		chunksServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "matchstream_chunks_served_total",
			Help: "Chunk files served to players",
		}),
		finalizationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchstream_finalizations_total",
			Help: "Finalize attempts by result",
		}, []string{"result"}),
		finalizeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "matchstream_finalize_duration_seconds",
			Help:    "Wall time of successful finalize runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		signalsRelayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchstream_signals_relayed_total",
			Help: "Signaling messages delivered to the opposite peer",
		}, []string{"type"}),
		signalsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matchstream_signals_dropped_total",
			Help: "Signaling messages dropped because no target was connected",
		}, []string{"type"}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchstream_active_rooms",
			Help: "Signaling rooms with at least one peer",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "matchstream_active_sessions",
			Help: "Session directories that are not finalized",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.scanCyclesTotal,
		m.scanErrorsTotal,
		m.manifestsWritten,
		m.chunksServedTotal,
		m.finalizationsTotal,
		m.finalizeSeconds,
		m.signalsRelayedTotal,
		m.signalsDroppedTotal,
		m.activeRooms,
		m.activeSessions,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncScanCycles counts one completed builder cycle.
func (m *Metrics) IncScanCycles() {
	if m == nil {
		return
	}
	m.scanCyclesTotal.Inc()
}

// IncScanErrors counts one isolated per-session scan failure.
func (m *Metrics) IncScanErrors() {
	if m == nil {
		return
	}
	m.scanErrorsTotal.Inc()
}

// IncManifestsWritten counts one manifest rewrite.
func (m *Metrics) IncManifestsWritten() {
	if m == nil {
		return
	}
	m.manifestsWritten.Inc()
}

// IncChunksServed counts one chunk file handed to a player.
func (m *Metrics) IncChunksServed() {
	if m == nil {
		return
	}
	m.chunksServedTotal.Inc()
}

// ObserveFinalize records a finalize attempt. seconds is only observed for ResultOK.
func (m *Metrics) ObserveFinalize(result string, seconds float64) {
	if m == nil {
		return
	}
	m.finalizationsTotal.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.finalizeSeconds.Observe(seconds)
	}
}

// IncSignalsRelayed counts a delivered signaling message.
func (m *Metrics) IncSignalsRelayed(msgType string) {
	if m == nil {
		return
	}
	m.signalsRelayedTotal.WithLabelValues(msgType).Inc()
}

// IncSignalsDropped counts a signaling message that had no recipient.
func (m *Metrics) IncSignalsDropped(msgType string) {
	if m == nil {
		return
	}
	m.signalsDroppedTotal.WithLabelValues(msgType).Inc()
}

// SetActiveRooms sets the active rooms gauge.
func (m *Metrics) SetActiveRooms(n int) {
	if m == nil {
		return
	}
	m.activeRooms.Set(float64(n))
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
