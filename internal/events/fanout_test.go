package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type spyPublisher struct {
	calls int
	ev    Event
	err   error
}

func (s *spyPublisher) Publish(ctx context.Context, ev Event) error {
	s.calls++
	s.ev = ev
	return s.err
}

type spyBroadcaster struct {
	called bool
	msg    []byte
}

func (s *spyBroadcaster) Broadcast(msg []byte) {
	s.called = true
	s.msg = msg
}

func TestFanoutPublisherPublishesAndBroadcasts(t *testing.T) {
	t.Parallel()

	inner := &spyPublisher{}
	bcaster := &spyBroadcaster{}
	pub := NewFanoutPublisher(inner, bcaster)

	ev := Event{
		Type:       TypeSagaFailed,
		OrderID:    "order-1",
		FailedStep: "charge",
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner publisher not called")
	}
	if !bcaster.called {
		t.Fatalf("broadcaster not called")
	}

	var got Event
	if err := json.Unmarshal(bcaster.msg, &got); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if got.Type != TypeSagaFailed || got.OrderID != "order-1" || got.FailedStep != "charge" {
		t.Fatalf("unexpected broadcast payload: %s", bcaster.msg)
	}
}

func TestFanoutPublisherStorageErrorSkipsBroadcast(t *testing.T) {
	t.Parallel()

	inner := &spyPublisher{err: errors.New("redis down")}
	bcaster := &spyBroadcaster{}
	pub := NewFanoutPublisher(inner, bcaster)

	if err := pub.Publish(context.Background(), Event{Type: TypeSagaSucceeded}); err == nil {
		t.Fatalf("expected storage error")
	}
	if bcaster.called {
		t.Fatalf("broadcast must not happen when storage fails")
	}
}

func TestMultiPublisherCollectsErrors(t *testing.T) {
	t.Parallel()

	errA := errors.New("a failed")
	a := &spyPublisher{err: errA}
	b := &spyPublisher{}
	pub := NewMultiPublisher(a, nil, b)

	err := pub.Publish(context.Background(), Event{Type: TypeOrderCancelled, OrderID: "order-9"})
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("expected every publisher to be called, got %d and %d", a.calls, b.calls)
	}
	if b.ev.Key() != "order-9" {
		t.Fatalf("unexpected event key %q", b.ev.Key())
	}
}
