package saga

import (
	"context"
	"errors"
)

// SagaStatus captures the current state of an order saga in the journal.
type SagaStatus string

const (
	SagaStatusStarted            SagaStatus = "started"
	SagaStatusSucceeded          SagaStatus = "succeeded"
	SagaStatusCompensated        SagaStatus = "compensated"
	SagaStatusCompensationFailed SagaStatus = "compensation_failed"
	SagaStatusCancelled          SagaStatus = "cancelled"
)

// Terminal reports whether the saga has finished running.
func (s SagaStatus) Terminal() bool {
	return s != SagaStatusStarted && s != ""
}

// SagaRecord represents a stored saga entry.
type SagaRecord struct {
	OrderID    string
	CustomerID string
	Amount     float64
	Status     SagaStatus
	FailedStep string
	// Class is the failure class of the failed step, empty for successful sagas.
	Class  string
	Detail string
}

// Outcome is the terminal state written by Finish.
type Outcome struct {
	Status     SagaStatus
	FailedStep string
	Class      string
	Detail     string
}

// StepEntry is one journaled step or compensation.
type StepEntry struct {
	Step     string
	Status   string
	Attempts int
	Detail   string
}

// Journal persists idempotency keys and the step log of every saga. It is an audit trail; sagas are never
// resumed from it.
type Journal interface {
	Start(ctx context.Context, idempotencyKey, orderID, customerID string, amount float64) (SagaRecord, bool, error)
	Finish(ctx context.Context, orderID string, outcome Outcome) error
	AddStep(ctx context.Context, orderID string, entry StepEntry) error
	Get(ctx context.Context, orderID string) (SagaRecord, error)
}

var (
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	ErrSagaNotFound        = errors.New("saga not found")
)
