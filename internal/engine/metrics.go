package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency of applyDelta, gate and store included.
	RequestDuration *prometheus.HistogramVec

	// Traffic by operation.
	TotalRequests *prometheus.CounterVec

	// Outcomes: accepted, rejected, invalid, exhausted, error.
	Outcomes *prometheus.CounterVec

	// Violations by type, accepted calls included.
	Violations *prometheus.CounterVec

	// Lost CAS races, labelled by row kind (counter, client_state).
	Conflicts *prometheus.CounterVec

	// Saturation: 0 closed, 1 half-open, 2 open.
	CircuitBreakerState *prometheus.GaugeVec

	// Requests shed by the ingress token bucket.
	IngressShed prometheus.Counter

	// Clients newly blocked, by source (gate, operator).
	Blocks *prometheus.CounterVec

	// Open display streams.
	StreamSubscribers prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// unregistered local registry when none is given
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "counter_request_duration_seconds",
			Help:    "Histogram of applyDelta latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op", "outcome"}),

		TotalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "counter_requests_total",
			Help: "Total number of applyDelta calls.",
		}, []string{"op"}),

		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "counter_outcomes_total",
			Help: "applyDelta results by outcome.",
		}, []string{"outcome"}),

		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "counter_security_violations_total",
			Help: "Detected violations by type.",
		}, []string{"type"}),

		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "counter_cas_conflicts_total",
			Help: "Optimistic concurrency conflicts by row kind.",
		}, []string{"row"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "counter_circuit_breaker_state",
			Help: "Current state of the storage circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		IngressShed: f.NewCounter(prometheus.CounterOpts{
			Name: "counter_ingress_shed_total",
			Help: "Requests refused by the instance ingress limiter.",
		}),

		Blocks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "counter_security_blocks_total",
			Help: "Fingerprints moved into a block window.",
		}, []string{"source"}),

		StreamSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "counter_stream_subscribers",
			Help: "Open counter update streams.",
		}),
	}
}
