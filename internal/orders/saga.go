package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StepStatus is the forward status of one saga step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// CompensationStatus is the status of a step's compensation, empty until it has run.
type CompensationStatus string

const (
	CompensationSucceeded CompensationStatus = "succeeded"
	CompensationFailed    CompensationStatus = "failed"
)

// ErrSagaCompensating is returned when a step is started after compensation has begun.
var ErrSagaCompensating = errors.New("saga is compensating")

// StepRecord is one entry of the saga log.
type StepRecord struct {
	Name           string
	Status         StepStatus
	Attempts       int
	ShortCircuited bool
	Err            error

	Compensation         string
	CompensationStatus   CompensationStatus
	CompensationAttempts int
	CompensationErr      error

	undo *compensation
}

type compensation struct {
	dependency string
	op         func(context.Context) error
}

// SagaExecution is the append-only log of one order's steps. It is owned by the goroutine handling the
// order and never shared.
type SagaExecution struct {
	OrderID string

	records      []*StepRecord
	compensating bool
}

func newSagaExecution(orderID string) *SagaExecution {
	return &SagaExecution{OrderID: orderID}
}

// begin appends a pending step.
func (s *SagaExecution) begin(name string) (*StepRecord, error) {
	if s.compensating {
		return nil, fmt.Errorf("%w: cannot start %s", ErrSagaCompensating, name)
	}
	rec := &StepRecord{Name: name, Status: StepPending}
	s.records = append(s.records, rec)
	return rec, nil
}

func (r *StepRecord) complete(attempts int, shortCircuited bool, err error) {
	r.Attempts = attempts
	r.ShortCircuited = shortCircuited
	r.Err = err
	if err != nil {
		r.Status = StepFailed
		return
	}
	r.Status = StepSucceeded
}

// compensateWith registers the undo action of a succeeded step.
func (r *StepRecord) compensateWith(name, dependency string, op func(context.Context) error) {
	if r.Status != StepSucceeded {
		return
	}
	r.Compensation = name
	r.undo = &compensation{dependency: dependency, op: op}
}

// beginCompensation freezes the log and returns the compensations to run, most recent step first.
func (s *SagaExecution) beginCompensation() []*StepRecord {
	s.compensating = true
	var pending []*StepRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if rec.Status == StepSucceeded && rec.undo != nil && rec.CompensationStatus == "" {
			pending = append(pending, rec)
		}
	}
	return pending
}

// Steps returns a copy of the log in execution order.
func (s *SagaExecution) Steps() []StepRecord {
	steps := make([]StepRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		cp.undo = nil
		steps = append(steps, cp)
	}
	return steps
}

// CompensationFailure is one undo action that exhausted its retries.
type CompensationFailure struct {
	Step         string
	Compensation string
	Attempts     int
	Err          error
}

// CompensationError reports side effects left behind after a failed saga. It always needs reconciliation.
type CompensationError struct {
	OrderID  string
	Failures []CompensationFailure
}

func (e *CompensationError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("order %s: compensation failed", e.OrderID)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (undo %s): %v", f.Compensation, f.Step, f.Err))
	}
	return fmt.Sprintf("order %s: compensation failed: %s", e.OrderID, strings.Join(parts, "; "))
}

func (e *CompensationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
