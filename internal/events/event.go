package events

import (
	"context"
	"time"
)

// Type names a saga lifecycle event.
type Type string

const (
	TypeSagaSucceeded      Type = "saga.succeeded"
	TypeSagaFailed         Type = "saga.failed"
	TypeCompensationFailed Type = "saga.compensation_failed"
	TypeOrderCancelled     Type = "order.cancelled"
	TypeBreakerTransition  Type = "breaker.transition"
)

// Event is published once per finished saga, cancellation or breaker transition.
type Event struct {
	Type        Type      `json:"type"`
	OrderID     string    `json:"order_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	FailedStep  string    `json:"failed_step,omitempty"`
	Compensated bool      `json:"compensated"`
	Dependency  string    `json:"dependency,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Key returns the entity the event is about.
func (e Event) Key() string {
	if e.OrderID != "" {
		return e.OrderID
	}
	return e.Dependency
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
