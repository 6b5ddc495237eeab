package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_core",
			Name:      "invocations_total",
			Help:      "Support invocations by operation class and result code.",
		},
		[]string{"operation", "code"},
	)

	invocationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "support_core",
			Name:      "invocation_seconds",
			Help:      "Support invocation latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 10, 15, 30},
		},
		[]string{"operation"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_core",
			Name:      "tokens_total",
			Help:      "Model tokens consumed, by direction.",
		},
		[]string{"direction"},
	)

	costTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "support_core",
			Name:      "cost_usd_total",
			Help:      "Estimated model spend in USD.",
		},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "support_core",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service (0 closed, 1 half-open, 2 open).",
		},
		[]string{"service"},
	)

	healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_core",
			Name:      "health_checks_total",
			Help:      "Endpoint health checks by outcome.",
		},
		[]string{"outcome"},
	)

	proposalEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_core",
			Name:      "proposal_events_total",
			Help:      "Approval workflow events by type and category.",
		},
		[]string{"event", "category"},
	)
)

// Register attaches support-core collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		invocationsTotal,
		invocationSeconds,
		tokensTotal,
		costTotal,
		breakerState,
		healthChecksTotal,
		proposalEventsTotal,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveInvocation records one completed invocation. code is empty on success.
func ObserveInvocation(operation string, code string, duration time.Duration, tokensIn, tokensOut int, cost float64) {
	if code == "" {
		code = OutcomeSuccess
	}
	invocationsTotal.WithLabelValues(operation, code).Inc()
	if duration < 0 {
		duration = 0
	}
	invocationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
	if tokensIn > 0 {
		tokensTotal.WithLabelValues("input").Add(float64(tokensIn))
	}
	if tokensOut > 0 {
		tokensTotal.WithLabelValues("output").Add(float64(tokensOut))
	}
	if cost > 0 {
		costTotal.Add(cost)
	}
}

func SetBreakerState(service string, state int) {
	breakerState.WithLabelValues(service).Set(float64(state))
}

func ObserveHealthCheck(ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	healthChecksTotal.WithLabelValues(outcome).Inc()
}

func ObserveProposalEvent(event, category string) {
	proposalEventsTotal.WithLabelValues(event, category).Inc()
}
