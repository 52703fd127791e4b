package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultRetention is how long the memory journal remembers a finished saga.
const DefaultRetention = 24 * time.Hour

type memoryEntry struct {
	key        string
	record     SagaRecord
	steps      []StepEntry
	finishedAt time.Time
}

type finishMark struct {
	orderID string
	at      time.Time
}

// MemoryJournal keeps the journal in process memory. Finished sagas are forgotten once the retention has
// elapsed, after which their idempotency keys can be reused. Sagas that never finish are kept.
type MemoryJournal struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time

	byKey    map[string]string
	entries  map[string]*memoryEntry
	finished []finishMark
}

// MemoryOption customises a MemoryJournal.
type MemoryOption func(*MemoryJournal)

// WithRetention sets how long finished sagas are kept. Non-positive values keep the default.
func WithRetention(d time.Duration) MemoryOption {
	return func(j *MemoryJournal) {
		if d > 0 {
			j.retention = d
		}
	}
}

// WithClock overrides the journal clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(j *MemoryJournal) {
		if now != nil {
			j.now = now
		}
	}
}

// NewMemoryJournal constructs an empty MemoryJournal.
func NewMemoryJournal(opts ...MemoryOption) *MemoryJournal {
	j := &MemoryJournal{
		retention: DefaultRetention,
		now:       time.Now,
		byKey:     make(map[string]string),
		entries:   make(map[string]*memoryEntry),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start records a new saga or returns the one already registered under idempotencyKey.
func (j *MemoryJournal) Start(ctx context.Context, idempotencyKey, orderID, customerID string, amount float64) (SagaRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.evictExpired()

	if existing, ok := j.byKey[idempotencyKey]; ok {
		record := j.entries[existing].record
		if record.CustomerID != customerID || record.Amount != amount {
			return SagaRecord{}, false, ErrIdempotencyConflict
		}
		return record, false, nil
	}
	if _, taken := j.entries[orderID]; taken {
		return SagaRecord{}, false, fmt.Errorf("%w: order %s started under another key", ErrIdempotencyConflict, orderID)
	}

	record := SagaRecord{
		OrderID:    orderID,
		CustomerID: customerID,
		Amount:     amount,
		Status:     SagaStatusStarted,
	}
	j.byKey[idempotencyKey] = orderID
	j.entries[orderID] = &memoryEntry{key: idempotencyKey, record: record}
	return record, true, nil
}

func (j *MemoryJournal) Finish(ctx context.Context, orderID string, outcome Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[orderID]
	if !ok {
		return ErrSagaNotFound
	}
	entry.record.Status = outcome.Status
	entry.record.FailedStep = outcome.FailedStep
	entry.record.Class = outcome.Class
	entry.record.Detail = outcome.Detail
	entry.finishedAt = j.now()
	j.finished = append(j.finished, finishMark{orderID: orderID, at: entry.finishedAt})
	return nil
}

func (j *MemoryJournal) AddStep(ctx context.Context, orderID string, step StepEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[orderID]
	if !ok {
		return ErrSagaNotFound
	}
	entry.steps = append(entry.steps, step)
	return nil
}

func (j *MemoryJournal) Get(ctx context.Context, orderID string) (SagaRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[orderID]
	if !ok {
		return SagaRecord{}, ErrSagaNotFound
	}
	return entry.record, nil
}

// Steps returns the journaled steps of a saga (for testing/inspection).
func (j *MemoryJournal) Steps(orderID string) []StepEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[orderID]
	if !ok {
		return nil
	}
	return append([]StepEntry(nil), entry.steps...)
}

// Len returns the number of sagas currently remembered.
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// evictExpired drops finished sagas older than the retention. An order finished twice (cancelled after
// success) is only dropped by the mark of its latest finish. Must be called with j.mu held.
func (j *MemoryJournal) evictExpired() {
	cutoff := j.now().Add(-j.retention)
	for len(j.finished) > 0 && !j.finished[0].at.After(cutoff) {
		mark := j.finished[0]
		j.finished = j.finished[1:]
		entry, ok := j.entries[mark.orderID]
		if ok && entry.finishedAt.Equal(mark.at) {
			delete(j.entries, mark.orderID)
			delete(j.byKey, entry.key)
		}
	}
}
