package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one control plane instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	verifications *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	inbound       *prometheus.CounterVec
	audit         *prometheus.CounterVec
	tickDuration  prometheus.Histogram
	queueDepth    prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_payment_verifications_total",
			Help: "Payment verifications by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_subscription_transitions_total",
			Help: "Subscription state transitions.",
		}, []string{"from", "to"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_deliveries_total",
			Help: "Delivery attempts by status.",
		}, []string{"status"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_inbound_messages_total",
			Help: "Inbound messages accepted per channel.",
		}, []string{"channel"}),
		audit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newswire_audit_events_total",
			Help: "Audit events recorded by action.",
		}, []string{"action"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newswire_scheduler_tick_seconds",
			Help:    "Duration of delivery scheduler ticks.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "newswire_intake_queue_depth",
			Help: "Inbound messages waiting across intake shards.",
		}),
	}
	reg.MustRegister(
		m.verifications, m.transitions, m.deliveries, m.inbound, m.audit,
		m.tickDuration, m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
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

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Verification(outcome string) {
	if m != nil {
		m.verifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Transition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) Delivery(status string) {
	if m != nil {
		m.deliveries.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Inbound(channel string) {
	if m != nil {
		m.inbound.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) Audit(action string) {
	if m != nil {
		m.audit.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) Tick(d time.Duration) {
	if m != nil {
		m.tickDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) QueueDepth(delta float64) {
	if m != nil {
		m.queueDepth.Add(delta)
	}
}
