package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStreamPublisher_UpdatesHashAndStream(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	client := &stubRedisClient{pipe: pipe}
	pub := NewRedisStreamPublisher(client, "saga_events", 0, 0)

	ev := Event{
		Type:        TypeSagaFailed,
		OrderID:     "order-1",
		Status:      "FAILED",
		FailedStep:  "charge",
		Compensated: true,
		Timestamp:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(pipe.hsets) != 1 {
		t.Fatalf("expected 1 HSET, got %d", len(pipe.hsets))
	}
	if pipe.hsets[0].key != "saga:order-1" {
		t.Fatalf("unexpected hash key %q", pipe.hsets[0].key)
	}
	hash := toMap(pipe.hsets[0].values)
	if hash["failed_step"] != "charge" || hash["type"] != "saga.failed" || hash["compensated"] != true {
		t.Fatalf("unexpected hash values: %+v", hash)
	}
	if len(pipe.xadds) != 1 || pipe.xadds[0].Stream != "saga_events" {
		t.Fatalf("unexpected xadds: %+v", pipe.xadds)
	}
	if !pipe.execCalled {
		t.Fatalf("expected Exec to be called")
	}
}

func TestRedisStreamPublisher_BreakerEventsSkipHash(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	pub := NewRedisStreamPublisher(&stubRedisClient{pipe: pipe}, "", time.Minute, 100)

	ev := Event{Type: TypeBreakerTransition, Dependency: "payment", From: "closed", To: "open"}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(pipe.hsets) != 0 || pipe.expirationCalls != 0 {
		t.Fatalf("expected no per-order hash for breaker events")
	}
	if len(pipe.xadds) != 1 {
		t.Fatalf("expected 1 XADD, got %d", len(pipe.xadds))
	}
	xa := pipe.xadds[0]
	if xa.Stream != "saga_events" || xa.MaxLen != 100 || !xa.Approx {
		t.Fatalf("unexpected xadd args: %+v", xa)
	}
}

func TestRedisStreamPublisher_TTLApplied(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	pub := NewRedisStreamPublisher(&stubRedisClient{pipe: pipe}, "saga_events", time.Hour, 0)

	if err := pub.Publish(context.Background(), Event{Type: TypeSagaSucceeded, OrderID: "order-ttl"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pipe.expirations["saga:order-ttl"] != time.Hour {
		t.Fatalf("unexpected ttl: %v", pipe.expirations)
	}
}

func TestRedisStreamPublisher_RespectsCanceledContext(t *testing.T) {
	t.Parallel()

	pipe := &stubPipeline{}
	pub := NewRedisStreamPublisher(&stubRedisClient{pipe: pipe}, "saga_events", 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Publish(ctx, Event{Type: TypeSagaSucceeded, OrderID: "order-cancel"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if pipe.execCalled || len(pipe.hsets) > 0 || len(pipe.xadds) > 0 {
		t.Fatalf("expected no writes when context canceled")
	}
}

func TestRedisStreamPublisher_WrapsExecError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	pipe := &stubPipeline{execErr: boom}
	pub := NewRedisStreamPublisher(&stubRedisClient{pipe: pipe}, "saga_events", 0, 0)

	err := pub.Publish(context.Background(), Event{Type: TypeSagaSucceeded, OrderID: "order-err"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped exec error, got %v", err)
	}
}

func TestRedisStreamPublisher_Miniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewRedisStreamPublisher(NewRedisClient(client), "saga_events", time.Minute, 0)
	ev := Event{
		Type:      TypeSagaSucceeded,
		OrderID:   "order-42",
		Status:    "SUCCEEDED",
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := mr.HGet("saga:order-42", "status"); got != "SUCCEEDED" {
		t.Fatalf("unexpected hash status %q", got)
	}
	if ttl := mr.TTL("saga:order-42"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	entries, err := client.XRange(context.Background(), "saga_events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["order_id"] != "order-42" {
		t.Fatalf("unexpected stream entries: %+v", entries)
	}
}

type stubRedisClient struct {
	pipe *stubPipeline
}

func (s *stubRedisClient) Pipeline() RedisPipeliner { return s.pipe }

type stubPipeline struct {
	hsets []struct {
		key    string
		values []any
	}
	expirations     map[string]time.Duration
	expirationCalls int
	xadds           []redis.XAddArgs
	execCalled      bool
	execErr         error
}

func (s *stubPipeline) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	s.hsets = append(s.hsets, struct {
		key    string
		values []any
	}{key: key, values: values})
	return redis.NewIntCmd(context.Background())
}

func (s *stubPipeline) Expire(_ context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	if s.expirations == nil {
		s.expirations = map[string]time.Duration{}
	}
	s.expirations[key] = ttl
	s.expirationCalls++
	return redis.NewBoolCmd(context.Background())
}

func (s *stubPipeline) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	s.xadds = append(s.xadds, *a)
	return redis.NewStringCmd(context.Background())
}

func (s *stubPipeline) Exec(_ context.Context) ([]redis.Cmder, error) {
	s.execCalled = true
	return nil, s.execErr
}

func toMap(args []any) map[string]any {
	if len(args) == 0 {
		return map[string]any{}
	}
	if m, ok := args[0].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
