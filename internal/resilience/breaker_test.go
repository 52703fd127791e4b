package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, clock *fakeClock, threshold int) *Breaker {
	t.Helper()
	b, err := NewBreaker("payment", BreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Second,
		TrialTimeout:     100 * time.Millisecond,
		Now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return b
}

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		if ticket, ok := b.Allow(); ok {
			b.RecordResult(ticket, false)
		}
	}
}

func succeed(b *Breaker) {
	if ticket, ok := b.Allow(); ok {
		b.RecordResult(ticket, true)
	}
}

func TestNewBreaker_RejectsMisconfiguration(t *testing.T) {
	if _, err := NewBreaker("x", BreakerConfig{FailureThreshold: 0, ResetTimeout: time.Second}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for threshold, got %v", err)
	}
	if _, err := NewBreaker("x", BreakerConfig{FailureThreshold: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for reset timeout, got %v", err)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 3)

	trip(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %s", b.State())
	}
	trip(b, 1)
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}
	if _, ok := b.Allow(); ok {
		t.Fatalf("open breaker must reject")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 3)

	trip(b, 2)
	succeed(b)
	trip(b, 2)
	if b.State() != StateClosed {
		t.Fatalf("failures must be consecutive, got %s", b.State())
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 2 {
		t.Fatalf("expected 2 consecutive failures, got %d", got)
	}
}

func TestBreaker_HalfOpenTrialClosesOnSuccess(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)
	trip(b, 1)

	clock.Advance(999 * time.Millisecond)
	if _, ok := b.Allow(); ok {
		t.Fatalf("expected rejection before reset timeout")
	}
	clock.Advance(time.Millisecond)
	trial, ok := b.Allow()
	if !ok {
		t.Fatalf("expected trial after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if _, ok := b.Allow(); ok {
		t.Fatalf("second caller must not get a trial")
	}
	b.RecordResult(trial, true)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if got := b.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("expected failures reset, got %d", got)
	}
}

func TestBreaker_HalfOpenFailureReopensWithFreshWindow(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)
	trip(b, 1)

	clock.Advance(time.Second)
	trial, ok := b.Allow()
	if !ok {
		t.Fatalf("expected trial")
	}
	clock.Advance(500 * time.Millisecond)
	b.RecordResult(trial, false)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	clock.Advance(700 * time.Millisecond)
	if _, ok := b.Allow(); ok {
		t.Fatalf("reset window must restart at the failed trial")
	}
	clock.Advance(300 * time.Millisecond)
	if _, ok := b.Allow(); !ok {
		t.Fatalf("expected a new trial after a full reset window")
	}
}

func TestBreaker_HalfOpenSuccessThreshold(t *testing.T) {
	clock := newFakeClock()
	b, err := NewBreaker("inventory", BreakerConfig{
		FailureThreshold:         1,
		ResetTimeout:             time.Second,
		HalfOpenSuccessThreshold: 2,
		Now:                      clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trip(b, 1)
	clock.Advance(time.Second)

	succeed(b)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected still half-open after one success, got %s", b.State())
	}
	trial, ok := b.Allow()
	if !ok {
		t.Fatalf("expected second trial")
	}
	b.RecordResult(trial, true)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreaker_TrialTimeoutReleasesLostTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)
	trip(b, 1)
	clock.Advance(time.Second)

	if _, ok := b.Allow(); !ok {
		t.Fatalf("expected trial")
	}
	if _, ok := b.Allow(); ok {
		t.Fatalf("trial still in flight")
	}
	clock.Advance(100 * time.Millisecond)
	if _, ok := b.Allow(); !ok {
		t.Fatalf("expected abandoned trial to be reclaimed")
	}
}

func TestBreaker_ReclaimedTrialResultIgnored(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)
	trip(b, 1)
	clock.Advance(time.Second)

	lost, ok := b.Allow()
	if !ok {
		t.Fatalf("expected trial")
	}
	clock.Advance(100 * time.Millisecond)
	current, ok := b.Allow()
	if !ok {
		t.Fatalf("expected abandoned trial to be reclaimed")
	}

	b.RecordResult(lost, false)
	if b.State() != StateHalfOpen {
		t.Fatalf("late result of a reclaimed trial must not count, got %s", b.State())
	}
	if !b.Snapshot().TrialInFlight {
		t.Fatalf("current trial must still be in flight")
	}

	b.RecordResult(current, true)
	if b.State() != StateClosed {
		t.Fatalf("expected current trial to close the breaker, got %s", b.State())
	}
}

func TestBreaker_ClosedAdmissionDoesNotSettleTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)

	early, ok := b.Allow()
	if !ok {
		t.Fatalf("expected closed breaker to allow")
	}
	trip(b, 1)
	clock.Advance(time.Second)
	trial, ok := b.Allow()
	if !ok {
		t.Fatalf("expected trial")
	}

	b.RecordResult(early, true)
	if b.State() != StateHalfOpen {
		t.Fatalf("result admitted while closed must not settle the trial, got %s", b.State())
	}
	b.RecordResult(trial, false)
	if b.State() != StateOpen {
		t.Fatalf("expected trial failure to reopen, got %s", b.State())
	}
}

func TestBreaker_ReleaseFreesTrialWithoutCounting(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)
	trip(b, 1)
	clock.Advance(time.Second)

	trial, _ := b.Allow()
	b.Release(trial)
	if b.State() != StateHalfOpen {
		t.Fatalf("release must not change state, got %s", b.State())
	}
	if _, ok := b.Allow(); !ok {
		t.Fatalf("expected trial to be available after release")
	}
}

func TestBreaker_LateResultWhileOpenIgnored(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)

	early, ok := b.Allow()
	if !ok {
		t.Fatalf("expected closed breaker to allow")
	}
	trip(b, 1)
	b.RecordResult(early, true)
	if b.State() != StateOpen {
		t.Fatalf("late success must not close an open breaker, got %s", b.State())
	}
}

func TestBreaker_ConcurrentCallersGetSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)
	trip(b, 1)
	clock.Advance(time.Second)

	const callers = 64
	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := b.Allow(); ok {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Fatalf("expected exactly one trial, got %d", got)
	}
}

func TestBreaker_TransitionListeners(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(t, clock, 1)

	var seen []Transition
	b.OnTransition(func(tr Transition) {
		// Listeners run outside the lock, so reading state here must not deadlock.
		_ = b.State()
		seen = append(seen, tr)
	})

	trip(b, 1)
	clock.Advance(time.Second)
	succeed(b)

	want := []struct{ from, to State }{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), seen)
	}
	for i, w := range want {
		if seen[i].From != w.from || seen[i].To != w.to || seen[i].Dependency != "payment" {
			t.Fatalf("transition %d: unexpected %+v", i, seen[i])
		}
	}
}
