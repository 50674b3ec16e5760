// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics collects call and bus error statistics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	inflight  prometheus.Gauge
	busErrors *prometheus.CounterVec
}

// NewMetrics creates the collectors under namespace. They still have to
// be registered with Register.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Number of completed calls by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Wall time of calls by endpoint.",
			Buckets:   []float64{.005, .025, .1, .5, 1, 3, 10, 60, 600},
		}, []string{"endpoint"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_in_flight",
			Help:      "Number of calls waiting for a reply.",
		}),
		busErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Asynchronous bus errors by class.",
		}, []string{"class"}),
	}
}

// Collectors returns every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.calls, m.latency, m.inflight, m.busErrors}
}

// Register registers all collectors with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	var err error
	for _, c := range m.Collectors() {
		err = multierr.Append(err, r.Register(c))
	}
	return err
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) callFinished(endpoint string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.calls.WithLabelValues(endpoint, outcome(err)).Inc()
	m.latency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) busError(class busErrorClass) {
	if m == nil {
		return
	}
	m.busErrors.WithLabelValues(string(class)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "remote"
	}
}
