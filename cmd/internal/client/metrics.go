package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the client counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	replays   *prometheus.CounterVec
	refreshes *prometheus.CounterVec
	csrfFetch *prometheus.CounterVec
}

// NewMetrics registers the client counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goldvision",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Original requests by final outcome.",
		}, []string{"outcome"}),
		replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goldvision",
			Subsystem: "client",
			Name:      "replays_total",
			Help:      "Replays issued by the recovery pipeline.",
		}, []string{"reason"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goldvision",
			Subsystem: "client",
			Name:      "refresh_total",
			Help:      "Settled access-token refreshes.",
		}, []string{"result"}),
		csrfFetch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goldvision",
			Subsystem: "client",
			Name:      "csrf_fetch_total",
			Help:      "Settled anti-forgery token fetches.",
		}, []string{"result"}),
	}
}

func (m *Metrics) request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) replay(reason string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(reason).Inc()
}

func (m *Metrics) refresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) csrf(result string) {
	if m == nil {
		return
	}
	m.csrfFetch.WithLabelValues(result).Inc()
}
