package events

import (
	"context"
	"encoding/json"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher forwards events to storage and broadcasts them.
type FanoutPublisher struct {
	storage     Publisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher that fans out to storage and broadcaster.
func NewFanoutPublisher(storage Publisher, broadcaster Broadcaster) *FanoutPublisher {
	return &FanoutPublisher{storage: storage, broadcaster: broadcaster}
}

// Publish writes to storage then broadcasts the event as JSON.
func (p *FanoutPublisher) Publish(ctx context.Context, ev Event) error {
	if p.storage != nil {
		if err := p.storage.Publish(ctx, ev); err != nil {
			return err
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(data)
	}

	return nil
}
