package events

import (
	"context"
	"errors"
)

// MultiPublisher publishes to several sinks in order.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher constructs a Publisher that forwards to each publisher in sequence.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Publish forwards the event to each sink, collecting errors so every sink gets a chance to write.
func (m *MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m.publishers {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
