package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	Reconciliations     *prometheus.CounterVec
	SendFailures        prometheus.Counter
	FetchFailures       *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	Resubscriptions     *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reconciliations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_reconciliations_total",
				Help: "Canonical messages merged into a room store, by outcome",
			},
			[]string{"outcome"}, // placeholder, matched, duplicate, appended
		),
		SendFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "roomsync_send_failures_total",
				Help: "Sends rolled back after the persist call failed",
			},
		),
		FetchFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_fetch_failures_total",
				Help: "Failed room or message fetches",
			},
			[]string{"scope"},
		),
		FetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomsync_fetch_duration_seconds",
				Help:    "Backend fetch latency",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"scope"},
		),
		Resubscriptions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomsync_resubscriptions_total",
				Help: "Push subscriptions reopened after a drop",
			},
			[]string{"feed"}, // room, list
		),
		ActiveSubscriptions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomsync_active_subscriptions",
				Help: "Open push subscriptions",
			},
		),
	}
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

func (m *Metrics) FetchFailed(scope string) {
	if m == nil {
		return
	}
	m.FetchFailures.WithLabelValues(scope).Inc()
}

// ObserveFetch records how long a fetch started at start took.
func (m *Metrics) ObserveFetch(scope string, start time.Time) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(scope).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Resubscribed(feed string) {
	if m == nil {
		return
	}
	m.Resubscriptions.WithLabelValues(feed).Inc()
}

// SubscriptionOpened and SubscriptionClosed track the active gauge.
func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Dec()
}
