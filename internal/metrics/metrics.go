// Package metrics exposes the worker's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the judge worker's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	SubmissionsTotal *prometheus.CounterVec
	RepliesPublished prometheus.Counter
	RequeuesTotal    prometheus.Counter
	ConsumerPaused   prometheus.Gauge
	Inflight         prometheus.Gauge
	Reconnects       prometheus.Counter
}

// New creates the worker metric set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "judge_submissions_total",
			Help: "Submissions handled, by outcome (replied, requeued, dropped).",
		}, []string{"outcome"}),
		RepliesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "judge_replies_published_total",
			Help: "Verdict replies published to replyTo queues.",
		}),
		RequeuesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "judge_requeues_total",
			Help: "Messages republished with an incremented retry counter.",
		}),
		ConsumerPaused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "judge_consumer_paused",
			Help: "1 while consumption is paused on host overload.",
		}),
		Inflight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "judge_inflight_submissions",
			Help: "Submissions currently being handled.",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "judge_broker_reconnects_total",
			Help: "Broker reconnections after a lost connection.",
		}),
	}
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
