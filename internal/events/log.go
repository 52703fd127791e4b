package events

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes every event to a logger.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a LogPublisher. A nil logger drops events.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("type", string(ev.Type)),
		zap.Time("timestamp", ev.Timestamp),
	}
	if ev.OrderID != "" {
		fields = append(fields, zap.String("order_id", ev.OrderID), zap.String("status", ev.Status))
	}
	if ev.FailedStep != "" {
		fields = append(fields, zap.String("failed_step", ev.FailedStep), zap.Bool("compensated", ev.Compensated))
	}
	if ev.Dependency != "" {
		fields = append(fields, zap.String("dependency", ev.Dependency), zap.String("from", ev.From), zap.String("to", ev.To))
	}
	p.logger.Info("event", fields...)
	return nil
}
