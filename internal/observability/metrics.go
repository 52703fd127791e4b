package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"orderflow/internal/resilience"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type DependencySnapshot struct {
	Attempts       int64   `json:"attempts"`
	Successes      int64   `json:"successes"`
	Transient      int64   `json:"transient_failures"`
	Rejections     int64   `json:"rejections"`
	ShortCircuits  int64   `json:"short_circuits"`
	Canceled       int64   `json:"canceled"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	BreakerState   string  `json:"breaker_state"`
	BreakerChanges int64   `json:"breaker_transitions"`
}

type SagaSnapshot struct {
	Succeeded          int64            `json:"succeeded"`
	Failed             int64            `json:"failed"`
	CompensationFailed int64            `json:"compensation_failed"`
	FailedByStep       map[string]int64 `json:"failed_by_step"`
	AvgDurationMs      float64          `json:"avg_duration_ms"`
}

type Snapshot struct {
	UptimeSec       int64                         `json:"uptime_sec"`
	TotalRequests   int64                         `json:"total_requests"`
	TotalErrors     int64                         `json:"total_errors"`
	InFlight        int64                         `json:"in_flight"`
	RateLimitWaits  int64                         `json:"rate_limit_waits"`
	RateLimitWaitMs int64                         `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot            `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot     `json:"methods"`
	Dependencies    map[string]DependencySnapshot `json:"dependencies"`
	Sagas           SagaSnapshot                  `json:"sagas"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type dependencyStats struct {
	attempts      int64
	successes     int64
	transient     int64
	rejections    int64
	shortCircuits int64
	canceled      int64
	totalLatency  time.Duration
	state         resilience.State
	transitions   int64
}

type sagaStats struct {
	succeeded          int64
	failed             int64
	compensationFailed int64
	failedByStep       map[string]int64
	totalDuration      time.Duration
}

// Metrics aggregates inbound request, dependency call and saga statistics. When built with a
// Prometheus registerer it mirrors every observation into Prometheus collectors.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	dependencies   map[string]*dependencyStats
	sagas          sagaStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
	prom           *promCollectors
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

// NewMetrics constructs Metrics. A nil registerer keeps metrics in process only.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		start:        time.Now(),
		methods:      make(map[string]*methodStats),
		dependencies: make(map[string]*dependencyStats),
		sagas:        sagaStats{failedByStep: make(map[string]int64)},
	}
	if reg != nil {
		prom, err := newPromCollectors(reg)
		if err != nil {
			return nil, err
		}
		m.prom = prom
	}
	return m, nil
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
	m.prom.rateLimitWait(d)
}

// ObserveAttempt records one executor attempt or breaker rejection.
func (m *Metrics) ObserveAttempt(ev resilience.AttemptEvent) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureDependency(ev.Dependency)
	switch ev.Class {
	case resilience.ClassBreakerOpen:
		stats.shortCircuits++
	case resilience.ClassSuccess:
		stats.attempts++
		stats.successes++
	case resilience.ClassRejection:
		stats.attempts++
		stats.rejections++
	case resilience.ClassCanceled:
		stats.attempts++
		stats.canceled++
	default:
		stats.attempts++
		stats.transient++
	}
	stats.totalLatency += ev.Duration
	m.mu.Unlock()
	m.prom.attempt(ev)
}

// ObserveTransition records a breaker state change.
func (m *Metrics) ObserveTransition(t resilience.Transition) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureDependency(t.Dependency)
	stats.state = t.To
	stats.transitions++
	m.mu.Unlock()
	m.prom.transition(t)
}

// ObserveSaga records a finished saga.
func (m *Metrics) ObserveSaga(status, failedStep string, compensationFailed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if failedStep == "" {
		m.sagas.succeeded++
	} else {
		m.sagas.failed++
		m.sagas.failedByStep[failedStep]++
	}
	if compensationFailed {
		m.sagas.compensationFailed++
	}
	m.sagas.totalDuration += elapsed
	m.mu.Unlock()
	m.prom.saga(status, failedStep, compensationFailed, elapsed)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		Dependencies:    make(map[string]DependencySnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	for name, stats := range m.dependencies {
		avg := 0.0
		if stats.attempts > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.attempts)
		}
		snap.Dependencies[name] = DependencySnapshot{
			Attempts:       stats.attempts,
			Successes:      stats.successes,
			Transient:      stats.transient,
			Rejections:     stats.rejections,
			ShortCircuits:  stats.shortCircuits,
			Canceled:       stats.canceled,
			AvgLatencyMs:   avg,
			BreakerState:   stats.state.String(),
			BreakerChanges: stats.transitions,
		}
	}

	snap.Sagas = SagaSnapshot{
		Succeeded:          m.sagas.succeeded,
		Failed:             m.sagas.failed,
		CompensationFailed: m.sagas.compensationFailed,
		FailedByStep:       make(map[string]int64, len(m.sagas.failedByStep)),
	}
	for step, n := range m.sagas.failedByStep {
		snap.Sagas.FailedByStep[step] = n
	}
	if total := m.sagas.succeeded + m.sagas.failed; total > 0 {
		snap.Sagas.AvgDurationMs = float64(m.sagas.totalDuration.Milliseconds()) / float64(total)
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) ensureDependency(name string) *dependencyStats {
	stats, ok := m.dependencies[name]
	if !ok {
		stats = &dependencyStats{state: resilience.StateClosed}
		m.dependencies[name] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
	m.prom.request(method, dur, failed)
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
