package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStreamPublisher keeps the latest event per order in a hash and appends every event to a stream.
type RedisStreamPublisher struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisStreamPublisher.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisStreamPublisher constructs a Redis-backed publisher.
func NewRedisStreamPublisher(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "saga_events"
	}
	return &RedisStreamPublisher{
		client:    client,
		stream:    stream,
		keyPrefix: "saga:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Publish writes the latest state for the event's key and appends to the stream.
func (r *RedisStreamPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timestamp := ev.Timestamp.UTC().Format(time.RFC3339Nano)
	values := map[string]any{
		"type":        string(ev.Type),
		"order_id":    ev.OrderID,
		"status":      ev.Status,
		"failed_step": ev.FailedStep,
		"compensated": ev.Compensated,
		"dependency":  ev.Dependency,
		"from":        ev.From,
		"to":          ev.To,
		"detail":      ev.Detail,
		"timestamp":   timestamp,
	}

	pipe := r.client.Pipeline()
	if ev.OrderID != "" {
		key := r.keyPrefix + ev.OrderID
		pipe.HSet(ctx, key, values)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: values,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "publish %s to %s", ev.Type, r.stream)
	}
	return nil
}

// NewRedisClient adapts a go-redis client to RedisPipelineClient.
func NewRedisClient(client *redis.Client) RedisPipelineClient {
	return redisClientAdapter{client: client}
}

type redisClientAdapter struct {
	client *redis.Client
}

func (a redisClientAdapter) Pipeline() RedisPipeliner {
	return redisPipelineAdapter{pipe: a.client.Pipeline()}
}

type redisPipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p redisPipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p redisPipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p redisPipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p redisPipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
