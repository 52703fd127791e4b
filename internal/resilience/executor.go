package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DependencyConfig is everything needed to guard calls to one downstream dependency.
type DependencyConfig struct {
	Name                     string
	FailureThreshold         int
	ResetTimeout             time.Duration
	HalfOpenSuccessThreshold int
	CallTimeout              time.Duration
	Retry                    RetryConfig
	RateLimitInterval        time.Duration
	RateLimitBurst           int
	Now                      func() time.Time
}

// Dependency bundles the shared breaker, retry policy, deadline and limiter for one dependency.
type Dependency struct {
	Name        string
	Breaker     *Breaker
	Retry       RetryPolicy
	CallTimeout time.Duration
	Limiter     *RateLimiter
}

// NewDependency validates cfg and builds the dependency's breaker and policy.
func NewDependency(cfg DependencyConfig) (*Dependency, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: dependency name is required", ErrInvalidConfig)
	}
	if cfg.CallTimeout <= 0 {
		return nil, fmt.Errorf("%w: %s call timeout must be > 0, got %v", ErrInvalidConfig, cfg.Name, cfg.CallTimeout)
	}
	retry, err := NewRetryPolicy(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Name, err)
	}
	breaker, err := NewBreaker(cfg.Name, BreakerConfig{
		FailureThreshold:         cfg.FailureThreshold,
		ResetTimeout:             cfg.ResetTimeout,
		HalfOpenSuccessThreshold: cfg.HalfOpenSuccessThreshold,
		TrialTimeout:             cfg.CallTimeout,
		Now:                      cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	dep := &Dependency{
		Name:        cfg.Name,
		Breaker:     breaker,
		Retry:       retry,
		CallTimeout: cfg.CallTimeout,
	}
	if cfg.RateLimitInterval > 0 && cfg.RateLimitBurst > 0 {
		dep.Limiter = NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst)
	}
	return dep, nil
}

// CallOutcome is the result of one resilient invocation. A successful call's value is captured by the
// operation closure.
type CallOutcome struct {
	Dependency     string
	Attempts       int
	ShortCircuited bool
	Err            error
}

// Success reports whether the invocation eventually succeeded.
func (o CallOutcome) Success() bool { return o.Err == nil }

// AttemptEvent describes one attempt (or one breaker rejection) for metrics.
type AttemptEvent struct {
	Dependency string
	Attempt    int
	Class      Class
	Duration   time.Duration
}

// AttemptObserver receives attempt events.
type AttemptObserver interface {
	ObserveAttempt(AttemptEvent)
}

// Option customises an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o AttemptObserver) Option {
	return func(e *Executor) { e.observer = o }
}

// WithTracer overrides the otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithSleep replaces the cancellable sleep between attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// Executor runs operations against named dependencies with breaker, retry and deadline protection.
type Executor struct {
	deps     map[string]*Dependency
	order    []string
	logger   *zap.Logger
	tracer   trace.Tracer
	observer AttemptObserver
	sleep    func(context.Context, time.Duration) error
}

// NewExecutor constructs an executor over the given dependencies. Names must be unique.
func NewExecutor(deps []*Dependency, opts ...Option) (*Executor, error) {
	e := &Executor{
		deps:   make(map[string]*Dependency, len(deps)),
		logger: zap.NewNop(),
		tracer: otel.Tracer("orderflow/resilience"),
		sleep:  sleepWithContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, dep := range deps {
		if dep == nil {
			continue
		}
		if _, dup := e.deps[dep.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate dependency %q", ErrInvalidConfig, dep.Name)
		}
		e.deps[dep.Name] = dep
		e.order = append(e.order, dep.Name)

		name := dep.Name
		dep.Breaker.OnTransition(func(t Transition) {
			e.logger.Warn("circuit breaker transition",
				zap.String("dependency", name),
				zap.Stringer("from", t.From),
				zap.Stringer("to", t.To),
			)
		})
	}
	return e, nil
}

// Dependency returns the named dependency.
func (e *Executor) Dependency(name string) (*Dependency, bool) {
	dep, ok := e.deps[name]
	return dep, ok
}

// Breakers returns the breakers in registration order.
func (e *Executor) Breakers() []*Breaker {
	breakers := make([]*Breaker, 0, len(e.order))
	for _, name := range e.order {
		breakers = append(breakers, e.deps[name].Breaker)
	}
	return breakers
}

// Snapshot returns the introspection view of every breaker in registration order.
func (e *Executor) Snapshot() []BreakerSnapshot {
	snaps := make([]BreakerSnapshot, 0, len(e.order))
	for _, name := range e.order {
		snaps = append(snaps, e.deps[name].Breaker.Snapshot())
	}
	return snaps
}

// Execute invokes op against the named dependency. Each attempt is gated by the dependency's breaker and
// bounded by its call timeout; transient failures are retried with backoff while attempts remain. A breaker
// rejection ends the invocation immediately. Cancellation of ctx aborts the wait between attempts.
func (e *Executor) Execute(ctx context.Context, dependency string, op func(context.Context) error) CallOutcome {
	outcome := CallOutcome{Dependency: dependency}
	dep, ok := e.deps[dependency]
	if !ok {
		outcome.Err = fmt.Errorf("%w: %s", ErrUnknownDependency, dependency)
		return outcome
	}

	ctx, span := e.tracer.Start(ctx, "resilience.Execute", trace.WithAttributes(
		attribute.String("dependency", dependency),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("attempts", outcome.Attempts),
			attribute.Bool("short_circuited", outcome.ShortCircuited),
		)
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
			span.SetStatus(codes.Error, outcome.Err.Error())
		}
		span.End()
	}()

	var last error
	for attempt := 1; attempt <= dep.Retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			outcome.Err = withLast(err, last)
			return outcome
		}
		if err := dep.Limiter.Wait(ctx); err != nil {
			outcome.Err = withLast(err, last)
			return outcome
		}
		ticket, allowed := dep.Breaker.Allow()
		if !allowed {
			outcome.ShortCircuited = true
			outcome.Err = &BreakerOpenError{Dependency: dependency, Last: last}
			e.observe(AttemptEvent{Dependency: dependency, Attempt: attempt, Class: ClassBreakerOpen})
			e.logger.Warn("call short-circuited",
				zap.String("dependency", dependency),
				zap.Int("attempt", attempt),
			)
			return outcome
		}

		outcome.Attempts = attempt
		start := time.Now()
		class, err := e.attempt(ctx, dep, op)
		e.observe(AttemptEvent{Dependency: dependency, Attempt: attempt, Class: class, Duration: time.Since(start)})

		switch class {
		case ClassSuccess:
			dep.Breaker.RecordResult(ticket, true)
			outcome.Err = nil
			return outcome
		case ClassCanceled:
			dep.Breaker.Release(ticket)
			outcome.Err = withLast(err, last)
			return outcome
		default:
			dep.Breaker.RecordResult(ticket, !countsAsFailure(class))
		}

		last = err
		outcome.Err = err
		if attempt == dep.Retry.MaxAttempts || !dep.Retry.retryable(err) {
			e.logger.Info("call failed",
				zap.String("dependency", dependency),
				zap.Int("attempts", attempt),
				zap.Stringer("class", class),
				zap.Error(err),
			)
			return outcome
		}

		delay := dep.Retry.Delay(attempt)
		e.logger.Debug("retrying call",
			zap.String("dependency", dependency),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			outcome.Err = withLast(err, last)
			return outcome
		}
	}
	return outcome
}

func (e *Executor) attempt(ctx context.Context, dep *Dependency, op func(context.Context) error) (Class, error) {
	callCtx, cancel := context.WithTimeout(ctx, dep.CallTimeout)
	defer cancel()

	err := op(callCtx)
	if err == nil {
		return ClassSuccess, nil
	}
	if ctx.Err() != nil {
		// The caller went away; the dependency is not to blame.
		if errors.Is(err, ctx.Err()) {
			return ClassCanceled, err
		}
		return ClassCanceled, fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return ClassTransient, Transient(dep.Name+" timeout", err)
	}
	if class := Classify(err); class == ClassRejection {
		return class, err
	}
	return ClassTransient, err
}

func (e *Executor) observe(ev AttemptEvent) {
	if e.observer != nil {
		e.observer.ObserveAttempt(ev)
	}
}

func withLast(err, last error) error {
	if last == nil {
		return err
	}
	return fmt.Errorf("%w (last attempt: %v)", err, last)
}
