package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orderflow/internal/resilience"
)

const namespace = "orderflow"

type promCollectors struct {
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	breakerState   *prometheus.GaugeVec
	transitions    *prometheus.CounterVec
	sagas          *prometheus.CounterVec
	sagaDuration   prometheus.Histogram
	compensations  prometheus.Counter
	rateLimitWaits prometheus.Histogram
}

func newPromCollectors(reg prometheus.Registerer) (*promCollectors, error) {
	p := &promCollectors{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Inbound requests by route and result.",
		}, []string{"route", "result"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Inbound request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dependency_attempts_total",
			Help:      "Downstream call attempts by dependency and outcome class.",
		}, []string{"dependency", "class"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dependency_attempt_duration_seconds",
			Help:      "Downstream call attempt latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dependency"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"dependency"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes.",
		}, []string{"dependency", "to"}),
		sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_total",
			Help:      "Finished sagas by status and failed step.",
		}, []string{"status", "failed_step"}),
		sagaDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_duration_seconds",
			Help:      "End-to-end saga duration including compensation.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Sagas that left side effects needing reconciliation.",
		}),
		rateLimitWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent throttled before a downstream attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{
		p.requests, p.requestLatency, p.attempts, p.attemptLatency, p.breakerState,
		p.transitions, p.sagas, p.sagaDuration, p.compensations, p.rateLimitWaits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *promCollectors) request(route string, d time.Duration, failed bool) {
	if p == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	p.requests.WithLabelValues(route, result).Inc()
	p.requestLatency.WithLabelValues(route).Observe(d.Seconds())
}

func (p *promCollectors) attempt(ev resilience.AttemptEvent) {
	if p == nil {
		return
	}
	p.attempts.WithLabelValues(ev.Dependency, ev.Class.String()).Inc()
	if ev.Class != resilience.ClassBreakerOpen {
		p.attemptLatency.WithLabelValues(ev.Dependency).Observe(ev.Duration.Seconds())
	}
}

func (p *promCollectors) transition(t resilience.Transition) {
	if p == nil {
		return
	}
	p.breakerState.WithLabelValues(t.Dependency).Set(float64(t.To))
	p.transitions.WithLabelValues(t.Dependency, t.To.String()).Inc()
}

func (p *promCollectors) saga(status, failedStep string, compensationFailed bool, d time.Duration) {
	if p == nil {
		return
	}
	p.sagas.WithLabelValues(status, failedStep).Inc()
	p.sagaDuration.Observe(d.Seconds())
	if compensationFailed {
		p.compensations.Inc()
	}
}

func (p *promCollectors) rateLimitWait(d time.Duration) {
	if p == nil {
		return
	}
	p.rateLimitWaits.Observe(d.Seconds())
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func PrometheusHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
