// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beaver"

var (
	InboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_events_total",
		Help:      "Inbound events by transport and kind.",
	}, []string{"transport", "kind"})

	DuplicateEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_events_total",
		Help:      "Redelivered events dropped before handling.",
	}, []string{"transport"})

	ThreadResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "thread_resolutions_total",
		Help:      "Inbound messages by thread classification.",
	}, []string{"kind"})

	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "completions_total",
		Help:      "Agent runs by result (ok, error, rate_limited).",
	}, []string{"result"})

	CompletionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "completion_duration_seconds",
		Help:      "Wall time of agent runs.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	})

	ApprovalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approval_outcomes_total",
		Help:      "Reaction handling outcomes of guarded tool calls.",
	}, []string{"outcome"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
