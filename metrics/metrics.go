// Package metrics holds the Prometheus collectors of the engine. A nil
// *Metrics is valid and records nothing, so components can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledger"

// Metrics groups every collector the engine exports.
type Metrics struct {
	registry *prometheus.Registry

	IngestTotal    *prometheus.CounterVec
	IngestLatency  prometheus.Histogram
	Verifications  *prometheus.CounterVec
	Bundles        *prometheus.CounterVec
	HealthTasks    *prometheus.CounterVec
	StreamClients  prometheus.Gauge
	TerminalFrames *prometheus.CounterVec
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_total",
			Help:      "Ingested events by outcome.",
		}, []string{"outcome"}),
		IngestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent ingesting one event, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Chain verifications by mode and result.",
		}, []string{"mode", "result"}),
		Bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_bundles_total",
			Help:      "Proof bundles generated and verified.",
		}, []string{"action", "result"}),
		HealthTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_tasks_total",
			Help:      "Health evaluation tasks by stage.",
		}, []string{"stage"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected chain head stream clients.",
		}),
		TerminalFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_frames_total",
			Help:      "Websocket frames received from terminals by message type.",
		}, []string{"type"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.IngestTotal,
		m.IngestLatency,
		m.Verifications,
		m.Bundles,
		m.HealthTasks,
		m.StreamClients,
		m.TerminalFrames,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveIngest records one finished ingestion.
func (m *Metrics) ObserveIngest(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(outcome).Inc()
	m.IngestLatency.Observe(elapsed.Seconds())
}

// ObserveVerification records one chain verification.
func (m *Metrics) ObserveVerification(mode string, valid bool) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(mode, result(valid)).Inc()
}

// ObserveBundle records a bundle generation or verification.
func (m *Metrics) ObserveBundle(action string, ok bool) {
	if m == nil {
		return
	}
	m.Bundles.WithLabelValues(action, result(ok)).Inc()
}

// ObserveHealthTask records a health task transition: enqueued, delivered, failed or dropped.
func (m *Metrics) ObserveHealthTask(stage string) {
	if m == nil {
		return
	}
	m.HealthTasks.WithLabelValues(stage).Inc()
}

// StreamClientAdded and StreamClientRemoved track SSE subscribers.
func (m *Metrics) StreamClientAdded() {
	if m != nil {
		m.StreamClients.Inc()
	}
}

func (m *Metrics) StreamClientRemoved() {
	if m != nil {
		m.StreamClients.Dec()
	}
}

// ObserveTerminalFrame counts one websocket frame by message type.
func (m *Metrics) ObserveTerminalFrame(msgType string) {
	if m != nil {
		m.TerminalFrames.WithLabelValues(msgType).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}
