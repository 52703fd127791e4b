package events

import (
	"context"
	"errors"
	"testing"
)

func TestMultiPublisherPublishesToEverySink(t *testing.T) {
	failing := &spyPublisher{err: errors.New("redis down")}
	ok := &spyPublisher{}
	multi := NewMultiPublisher(failing, nil, ok)

	ev := Event{Type: TypeSagaSucceeded, OrderID: "order-1"}
	err := multi.Publish(context.Background(), ev)
	if err == nil || !errors.Is(err, failing.err) {
		t.Fatalf("expected joined error containing %v, got %v", failing.err, err)
	}
	if failing.calls != 1 || ok.calls != 1 {
		t.Fatalf("expected each sink called once, got %d and %d", failing.calls, ok.calls)
	}
	if ok.ev.OrderID != "order-1" {
		t.Fatalf("unexpected event forwarded: %+v", ok.ev)
	}
}

func TestMultiPublisherNoSinks(t *testing.T) {
	if err := NewMultiPublisher().Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
