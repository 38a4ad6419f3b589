// Package metrics holds the Prometheus collectors of the provenance service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups domain and transport collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations  *prometheus.CounterVec
	checkpoints *prometheus.CounterVec
	rpcTotal    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	gatherer    prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provenance",
			Name:      "operations_total",
			Help:      "Core operations by name and result (ok or error kind).",
		}, []string{"op", "result"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provenance",
			Name:      "checkpoints_appended_total",
			Help:      "Committed checkpoints by checkpoint type.",
		}, []string{"type"}),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "provenance",
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and status code.",
		}, []string{"method", "code"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "provenance",
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC handler latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		gatherer: gatherer,
	}
	reg.MustRegister(m.operations, m.checkpoints, m.rpcTotal, m.rpcDuration)
	return m
}

// NewDefault registers with the process-wide default registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// Operation counts one core operation outcome.
func (m *Metrics) Operation(op, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
}

// CheckpointAppended counts a committed checkpoint of the given type.
func (m *Metrics) CheckpointAppended(typ string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(typ).Inc()
}

// RPC records one finished gRPC call.
func (m *Metrics) RPC(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcTotal.WithLabelValues(method, code).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
