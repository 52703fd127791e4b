package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// HalfOpenSuccessThreshold is the number of successful trials needed to close again. Defaults to 1.
	HalfOpenSuccessThreshold int
	// TrialTimeout releases a half-open trial whose result never arrived. Set it to the call timeout.
	TrialTimeout time.Duration
	Now          func() time.Time
}

// Transition describes one state change of a named breaker.
type Transition struct {
	Dependency string
	From       State
	To         State
	At         time.Time
}

// BreakerSnapshot is the read-only view exposed for introspection.
type BreakerSnapshot struct {
	Dependency          string    `json:"dependency"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTransition      time.Time `json:"last_transition"`
	TrialInFlight       bool      `json:"trial_in_flight"`
}

// Ticket identifies one admitted attempt. A half-open result only counts when its ticket belongs to the
// trial currently in flight.
type Ticket struct {
	trial uint64
}

// Breaker gates calls to one dependency. Allow and RecordResult are always used as a pair around
// one attempt; the mutex makes each of them atomic so at most one half-open trial is ever granted.
type Breaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	resetAfter   time.Duration
	closeAfter   int
	trialTimeout time.Duration
	now          func() time.Time

	state             State
	failures          int
	halfOpenSuccesses int
	lastTransition    time.Time
	trialInFlight     bool
	trialStarted      time.Time
	trialGen          uint64

	listeners []func(Transition)
}

// NewBreaker builds a breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) (*Breaker, error) {
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("%w: %s failure threshold must be >= 1, got %d", ErrInvalidConfig, name, cfg.FailureThreshold)
	}
	if cfg.ResetTimeout <= 0 {
		return nil, fmt.Errorf("%w: %s reset timeout must be > 0, got %v", ErrInvalidConfig, name, cfg.ResetTimeout)
	}
	closeAfter := cfg.HalfOpenSuccessThreshold
	if closeAfter < 1 {
		closeAfter = 1
	}
	trialTimeout := cfg.TrialTimeout
	if trialTimeout <= 0 {
		trialTimeout = cfg.ResetTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:           name,
		threshold:      cfg.FailureThreshold,
		resetAfter:     cfg.ResetTimeout,
		closeAfter:     closeAfter,
		trialTimeout:   trialTimeout,
		now:            now,
		state:          StateClosed,
		lastTransition: now(),
	}, nil
}

// Name returns the dependency this breaker guards.
func (b *Breaker) Name() string { return b.name }

// OnTransition registers a listener called after every state change, outside the breaker lock.
func (b *Breaker) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Allow reports whether the caller may attempt a call now. The ticket must be handed back to RecordResult
// or Release.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	now := b.now()
	var changed *Transition
	var ticket Ticket
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(b.lastTransition) >= b.resetAfter {
			changed = b.transition(StateHalfOpen, now)
			b.halfOpenSuccesses = 0
			ticket = b.startTrial(now)
			allowed = true
		}
	case StateHalfOpen:
		// A trial whose caller vanished is reclaimed after the trial timeout.
		if !b.trialInFlight || now.Sub(b.trialStarted) >= b.trialTimeout {
			ticket = b.startTrial(now)
			allowed = true
		}
	}

	listeners := b.listeners
	b.mu.Unlock()

	notify(listeners, changed)
	return ticket, allowed
}

// RecordResult reports the outcome of an attempt that Allow admitted.
func (b *Breaker) RecordResult(ticket Ticket, success bool) {
	b.mu.Lock()
	now := b.now()
	var changed *Transition

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.threshold {
			changed = b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if !b.trialInFlight || ticket.trial != b.trialGen {
			// Stale result: admitted while closed, or a trial that was already reclaimed.
			break
		}
		b.trialInFlight = false
		if !success {
			changed = b.transition(StateOpen, now)
			break
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.closeAfter {
			b.failures = 0
			changed = b.transition(StateClosed, now)
		}
	case StateOpen:
		// Late results from calls admitted while closed do not move an open breaker.
	}

	listeners := b.listeners
	b.mu.Unlock()

	notify(listeners, changed)
}

// Release gives back a half-open trial whose attempt was abandoned without a result
// (the caller was canceled). It records nothing.
func (b *Breaker) Release(ticket Ticket) {
	b.mu.Lock()
	if b.state == StateHalfOpen && ticket.trial == b.trialGen {
		b.trialInFlight = false
	}
	b.mu.Unlock()
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the introspection view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Dependency:          b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastTransition:      b.lastTransition,
		TrialInFlight:       b.trialInFlight,
	}
}

func (b *Breaker) startTrial(now time.Time) Ticket {
	b.trialGen++
	b.trialInFlight = true
	b.trialStarted = now
	return Ticket{trial: b.trialGen}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State, now time.Time) *Transition {
	from := b.state
	b.state = to
	b.lastTransition = now
	if to != StateHalfOpen {
		b.trialInFlight = false
	}
	return &Transition{Dependency: b.name, From: from, To: to, At: now}
}

func notify(listeners []func(Transition), t *Transition) {
	if t == nil {
		return
	}
	for _, fn := range listeners {
		fn(*t)
	}
}
