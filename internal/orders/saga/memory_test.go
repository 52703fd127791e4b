package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func TestMemoryJournal_StartReplaysAndDetectsConflicts(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()

	if _, created, err := j.Start(ctx, "key-1", "order-1", "cust-1", 10); err != nil || !created {
		t.Fatalf("expected new saga, created=%v err=%v", created, err)
	}
	record, created, err := j.Start(ctx, "key-1", "order-2", "cust-1", 10)
	if err != nil || created {
		t.Fatalf("expected replay, created=%v err=%v", created, err)
	}
	if record.OrderID != "order-1" {
		t.Fatalf("expected original order, got %+v", record)
	}
	if _, _, err := j.Start(ctx, "key-1", "order-1", "cust-1", 12); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected conflict for changed amount, got %v", err)
	}
	if _, _, err := j.Start(ctx, "key-2", "order-1", "cust-1", 10); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected conflict for reused order id, got %v", err)
	}
}

func TestMemoryJournal_FinishStoresOutcome(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	if _, _, err := j.Start(ctx, "key-1", "order-1", "cust-1", 10); err != nil {
		t.Fatalf("Start: %v", err)
	}

	outcome := Outcome{Status: SagaStatusCompensated, FailedStep: "charge", Class: "rejection", Detail: "declined"}
	if err := j.Finish(ctx, "order-1", outcome); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	record, err := j.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != SagaStatusCompensated || record.Class != "rejection" || record.Detail != "declined" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if err := j.Finish(ctx, "missing", outcome); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryJournal_EvictsFinishedSagasAfterRetention(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	j := NewMemoryJournal(WithRetention(time.Hour), WithClock(clock.Now))

	for _, id := range []string{"order-1", "order-2", "order-3"} {
		if _, _, err := j.Start(ctx, "key-"+id, id, "cust-1", 10); err != nil {
			t.Fatalf("Start %s: %v", id, err)
		}
	}
	if err := j.AddStep(ctx, "order-1", StepEntry{Step: "reserve", Status: "succeeded"}); err != nil {
		t.Fatalf("AddStep: %v", err)
	}
	if err := j.Finish(ctx, "order-1", Outcome{Status: SagaStatusSucceeded}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	clock.now = clock.now.Add(30 * time.Minute)
	if err := j.Finish(ctx, "order-2", Outcome{Status: SagaStatusSucceeded}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	clock.now = clock.now.Add(31 * time.Minute)
	if _, _, err := j.Start(ctx, "key-4", "order-4", "cust-1", 10); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := j.Get(ctx, "order-1"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected order-1 evicted, got %v", err)
	}
	if steps := j.Steps("order-1"); len(steps) != 0 {
		t.Fatalf("expected steps evicted, got %v", steps)
	}
	if _, err := j.Get(ctx, "order-2"); err != nil {
		t.Fatalf("order-2 is within retention: %v", err)
	}
	if _, err := j.Get(ctx, "order-3"); err != nil {
		t.Fatalf("unfinished saga must be kept: %v", err)
	}
	if got := j.Len(); got != 3 {
		t.Fatalf("expected 3 sagas, got %d", got)
	}

	if _, created, err := j.Start(ctx, "key-order-1", "order-1", "cust-1", 10); err != nil || !created {
		t.Fatalf("expected evicted key to be reusable, created=%v err=%v", created, err)
	}
}

func TestMemoryJournal_RefinishedSagaUsesLatestFinish(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	j := NewMemoryJournal(WithRetention(time.Hour), WithClock(clock.Now))

	if _, _, err := j.Start(ctx, "key-1", "order-1", "cust-1", 10); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := j.Finish(ctx, "order-1", Outcome{Status: SagaStatusSucceeded}); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	clock.now = clock.now.Add(50 * time.Minute)
	if err := j.Finish(ctx, "order-1", Outcome{Status: SagaStatusCancelled}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	clock.now = clock.now.Add(20 * time.Minute)
	if _, _, err := j.Start(ctx, "key-2", "order-2", "cust-1", 10); err != nil {
		t.Fatalf("Start: %v", err)
	}
	record, err := j.Get(ctx, "order-1")
	if err != nil {
		t.Fatalf("cancelled saga is within retention: %v", err)
	}
	if record.Status != SagaStatusCancelled {
		t.Fatalf("unexpected status %s", record.Status)
	}
}
