package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"orderflow/internal/events"
	"orderflow/internal/orders/saga"
	"orderflow/internal/resilience"
)

// Dependency names registered with the executor.
const (
	DependencyInventory = "inventory"
	DependencyPayment   = "payment"
	DependencyOrders    = "orders"
)

// Saga step and compensation names.
const (
	StepValidate = "validate"
	StepReserve  = "reserve"
	StepCharge   = "charge"
	StepConfirm  = "confirm"

	CompensationRelease = "release"
	CompensationRefund  = "refund"
)

var (
	// ErrSagaInProgress is returned for a duplicate submission while the first one is still running.
	ErrSagaInProgress = errors.New("saga already in progress")
	// ErrOrderCancelled is returned when cancelling an order twice.
	ErrOrderCancelled = errors.New("order already cancelled")
)

// Status is the terminal outcome reported to the caller.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Result is the composed outcome of one saga.
type Result struct {
	OrderID    string
	Status     Status
	FailedStep string
	// Compensated is true when every compensation that was needed succeeded (vacuously true when none was).
	Compensated          bool
	CompensationRequired bool
	Err                  error
	// CompensationErr is a *CompensationError when some side effect could not be undone.
	CompensationErr error
	Steps           []StepRecord
	ReservationID   string
	PaymentID       string
	Replayed        bool
}

// Detail renders a one-line human description of the outcome.
func (r Result) Detail() string {
	switch {
	case r.Status == StatusSucceeded:
		return "order confirmed"
	case r.CompensationErr != nil:
		return fmt.Sprintf("%s failed: %v; %v", r.FailedStep, r.Err, r.CompensationErr)
	case r.Err != nil:
		return fmt.Sprintf("%s failed: %v", r.FailedStep, r.Err)
	default:
		return fmt.Sprintf("%s failed", r.FailedStep)
	}
}

// Executor runs an operation against a named dependency with breaker and retry protection.
type Executor interface {
	Execute(ctx context.Context, dependency string, op func(context.Context) error) resilience.CallOutcome
}

// SagaObserver records saga outcomes for metrics.
type SagaObserver interface {
	ObserveSaga(status, failedStep string, compensationFailed bool, elapsed time.Duration)
}

// Option customises an OrderService.
type Option func(*OrderService)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *OrderService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJournal enables idempotent submissions and the saga audit log.
func WithJournal(j saga.Journal) Option {
	return func(s *OrderService) { s.journal = j }
}

// WithPublisher publishes saga outcome events.
func WithPublisher(p events.Publisher) Option {
	return func(s *OrderService) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithSagaObserver records saga outcomes.
func WithSagaObserver(o SagaObserver) Option {
	return func(s *OrderService) { s.observer = o }
}

// WithTracer overrides the otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *OrderService) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *OrderService) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *OrderService) {
		if now != nil {
			s.now = now
		}
	}
}

// OrderService drives the order saga: validate, reserve inventory, charge payment, confirm.
type OrderService struct {
	exec      Executor
	inventory InventoryClient
	payments  PaymentClient
	store     OrderStore

	journal   saga.Journal
	publisher events.Publisher
	observer  SagaObserver
	logger    *zap.Logger
	tracer    trace.Tracer
	newID     func() string
	now       func() time.Time
}

// NewOrderService constructs an OrderService.
func NewOrderService(exec Executor, inventory InventoryClient, payments PaymentClient, store OrderStore, opts ...Option) *OrderService {
	s := &OrderService{
		exec:      exec,
		inventory: inventory,
		payments:  payments,
		store:     store,
		publisher: events.NoopPublisher{},
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("orderflow/orders"),
		newID:     func() string { return "order-" + uuid.NewString() },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitOrder runs the saga for order and always returns a terminal Result. The error is non-nil only when
// the saga could not be started (journal unavailable, idempotency conflict, duplicate in progress).
func (s *OrderService) SubmitOrder(ctx context.Context, order Order) (Result, error) {
	if order.ID == "" {
		order.ID = s.newID()
	}
	key := order.IdempotencyKey
	if key == "" {
		key = order.ID
	}

	ctx, span := s.tracer.Start(ctx, "orders.SubmitOrder", trace.WithAttributes(
		attribute.String("order_id", order.ID),
	))
	defer span.End()

	if s.journal != nil {
		record, created, err := s.journal.Start(ctx, key, order.ID, order.CustomerID, order.Amount)
		if err != nil {
			span.RecordError(err)
			return Result{OrderID: order.ID}, fmt.Errorf("start saga %s: %w", order.ID, err)
		}
		if !created {
			span.SetAttributes(attribute.Bool("replayed", true))
			return s.replay(ctx, record)
		}
	}

	started := s.now()
	result := s.run(ctx, order)
	s.finish(ctx, result, s.now().Sub(started))

	span.SetAttributes(attribute.String("status", string(result.Status)))
	if result.Status == StatusFailed {
		span.SetStatus(codes.Error, result.Detail())
	}
	return result, nil
}

func (s *OrderService) run(ctx context.Context, order Order) Result {
	exec := newSagaExecution(order.ID)
	result := Result{OrderID: order.ID, Status: StatusFailed}

	rec, _ := exec.begin(StepValidate)
	err := order.Validate()
	rec.complete(1, false, err)
	s.journalStep(ctx, order.ID, rec.Name, string(rec.Status), rec.Attempts, err)
	if err != nil {
		return s.abort(ctx, exec, rec, result)
	}

	var reservation Reservation
	rec = s.step(ctx, exec, StepReserve, DependencyInventory, func(ctx context.Context) error {
		r, err := s.inventory.Reserve(ctx, order.ItemID, order.Quantity)
		if err != nil {
			return err
		}
		reservation = r
		return nil
	})
	if rec.Status != StepSucceeded {
		return s.abort(ctx, exec, rec, result)
	}
	rec.compensateWith(CompensationRelease, DependencyInventory, func(ctx context.Context) error {
		return s.inventory.Release(ctx, reservation)
	})
	result.ReservationID = reservation.ID

	var paymentID string
	rec = s.step(ctx, exec, StepCharge, DependencyPayment, func(ctx context.Context) error {
		id, err := s.payments.Charge(ctx, Charge{
			OrderID:    order.ID,
			AccountRef: order.CustomerID,
			Amount:     order.Amount,
			Method:     order.PaymentMethod,
		})
		if err != nil {
			return err
		}
		paymentID = id
		return nil
	})
	if rec.Status != StepSucceeded {
		return s.abort(ctx, exec, rec, result)
	}
	rec.compensateWith(CompensationRefund, DependencyPayment, func(ctx context.Context) error {
		return s.payments.Refund(ctx, paymentID)
	})
	result.PaymentID = paymentID

	confirmed := ConfirmedOrder{
		Order:         order,
		ReservationID: reservation.ID,
		PaymentID:     paymentID,
		Status:        OrderStatusConfirmed,
		ConfirmedAt:   s.now().UTC(),
	}
	rec = s.step(ctx, exec, StepConfirm, DependencyOrders, func(ctx context.Context) error {
		return s.store.Confirm(ctx, confirmed)
	})
	if rec.Status != StepSucceeded {
		return s.abort(ctx, exec, rec, result)
	}

	result.Status = StatusSucceeded
	result.Compensated = true
	result.Steps = exec.Steps()
	return result
}

func (s *OrderService) step(ctx context.Context, exec *SagaExecution, name, dependency string, op func(context.Context) error) *StepRecord {
	rec, err := exec.begin(name)
	if err != nil {
		rec = &StepRecord{Name: name}
		rec.complete(0, false, err)
		return rec
	}

	outcome := s.exec.Execute(ctx, dependency, op)
	rec.complete(outcome.Attempts, outcome.ShortCircuited, outcome.Err)
	s.journalStep(ctx, exec.OrderID, name, string(rec.Status), rec.Attempts, outcome.Err)

	if outcome.Err != nil {
		s.logger.Warn("saga step failed",
			zap.String("order_id", exec.OrderID),
			zap.String("step", name),
			zap.Int("attempts", outcome.Attempts),
			zap.Bool("short_circuited", outcome.ShortCircuited),
			zap.Error(outcome.Err),
		)
	} else {
		s.logger.Debug("saga step succeeded",
			zap.String("order_id", exec.OrderID),
			zap.String("step", name),
			zap.Int("attempts", outcome.Attempts),
		)
	}
	return rec
}

// abort stops forward progress at failed and undoes every succeeded step.
func (s *OrderService) abort(ctx context.Context, exec *SagaExecution, failed *StepRecord, result Result) Result {
	result.Status = StatusFailed
	result.FailedStep = failed.Name
	result.Err = failed.Err

	pending := exec.beginCompensation()
	result.CompensationRequired = len(pending) > 0
	if err := s.compensate(ctx, exec.OrderID, pending); err != nil {
		result.CompensationErr = err
	} else {
		result.Compensated = true
	}
	result.Steps = exec.Steps()
	return result
}

// compensate runs pending undo actions in order, detached from the caller's cancellation.
func (s *OrderService) compensate(ctx context.Context, orderID string, pending []*StepRecord) error {
	ctx = context.WithoutCancel(ctx)

	var failures []CompensationFailure
	for _, rec := range pending {
		outcome := s.exec.Execute(ctx, rec.undo.dependency, rec.undo.op)
		rec.CompensationAttempts = outcome.Attempts
		if outcome.Success() {
			rec.CompensationStatus = CompensationSucceeded
		} else {
			rec.CompensationStatus = CompensationFailed
			rec.CompensationErr = outcome.Err
			failures = append(failures, CompensationFailure{
				Step:         rec.Name,
				Compensation: rec.Compensation,
				Attempts:     outcome.Attempts,
				Err:          outcome.Err,
			})
			s.logger.Error("compensation failed",
				zap.String("order_id", orderID),
				zap.String("step", rec.Name),
				zap.String("compensation", rec.Compensation),
				zap.Int("attempts", outcome.Attempts),
				zap.Bool("short_circuited", outcome.ShortCircuited),
				zap.Error(outcome.Err),
			)
		}
		s.journalStep(ctx, orderID, rec.Compensation, string(rec.CompensationStatus), outcome.Attempts, outcome.Err)
	}

	if len(failures) > 0 {
		return &CompensationError{OrderID: orderID, Failures: failures}
	}
	return nil
}

func (s *OrderService) finish(ctx context.Context, result Result, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)

	status := saga.SagaStatusSucceeded
	eventType := events.TypeSagaSucceeded
	switch {
	case result.Status == StatusSucceeded:
	case result.CompensationErr != nil:
		status = saga.SagaStatusCompensationFailed
		eventType = events.TypeCompensationFailed
	default:
		status = saga.SagaStatusCompensated
		eventType = events.TypeSagaFailed
	}

	if s.journal != nil {
		outcome := saga.Outcome{Status: status, FailedStep: result.FailedStep}
		if result.Status == StatusFailed && result.Err != nil {
			outcome.Class = resilience.Classify(result.Err).String()
			outcome.Detail = result.Err.Error()
		}
		if err := s.journal.Finish(ctx, result.OrderID, outcome); err != nil {
			s.logger.Warn("journal finish failed", zap.String("order_id", result.OrderID), zap.Error(err))
		}
	}

	ev := events.Event{
		Type:        eventType,
		OrderID:     result.OrderID,
		Status:      string(result.Status),
		FailedStep:  result.FailedStep,
		Compensated: result.Compensated,
		Timestamp:   s.now().UTC(),
	}
	if result.Status == StatusFailed {
		ev.Detail = result.Detail()
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish saga event failed", zap.String("order_id", result.OrderID), zap.Error(err))
	}

	if s.observer != nil {
		s.observer.ObserveSaga(string(result.Status), result.FailedStep, result.CompensationErr != nil, elapsed)
	}

	fields := []zap.Field{
		zap.String("order_id", result.OrderID),
		zap.String("status", string(result.Status)),
		zap.Duration("elapsed", elapsed),
	}
	switch {
	case result.Status == StatusSucceeded:
		s.logger.Info("saga succeeded", fields...)
	case result.CompensationErr != nil:
		s.logger.Error("saga failed with dangling side effects", append(fields,
			zap.String("failed_step", result.FailedStep),
			zap.Error(result.CompensationErr),
		)...)
	default:
		s.logger.Warn("saga failed", append(fields,
			zap.String("failed_step", result.FailedStep),
			zap.Bool("compensation_required", result.CompensationRequired),
			zap.Error(result.Err),
		)...)
	}
}

// replay rebuilds the result of a saga that already ran under the same idempotency key.
func (s *OrderService) replay(ctx context.Context, record saga.SagaRecord) (Result, error) {
	if !record.Status.Terminal() {
		return Result{OrderID: record.OrderID}, fmt.Errorf("%w: %s", ErrSagaInProgress, record.OrderID)
	}

	result := Result{
		OrderID:    record.OrderID,
		FailedStep: record.FailedStep,
		Replayed:   true,
	}
	switch record.Status {
	case saga.SagaStatusSucceeded, saga.SagaStatusCancelled:
		result.Status = StatusSucceeded
		result.Compensated = true
		if confirmed, err := s.GetOrder(ctx, record.OrderID); err == nil {
			result.ReservationID = confirmed.ReservationID
			result.PaymentID = confirmed.PaymentID
		}
	case saga.SagaStatusCompensationFailed:
		result.Status = StatusFailed
		result.CompensationRequired = true
		result.CompensationErr = &CompensationError{OrderID: record.OrderID}
	default:
		result.Status = StatusFailed
		result.Compensated = true
	}
	if result.Status == StatusFailed {
		result.Err = recordedFailure(record)
	}
	return result, nil
}

var stepDependencies = map[string]string{
	StepReserve: DependencyInventory,
	StepCharge:  DependencyPayment,
	StepConfirm: DependencyOrders,
}

// recordedError carries the journaled failure text over a cause of the original failure class.
type recordedError struct {
	detail string
	cause  error
}

func (e *recordedError) Error() string {
	if e.detail == "" {
		return e.cause.Error()
	}
	return e.detail
}

func (e *recordedError) Unwrap() error { return e.cause }

// recordedFailure rebuilds the failure of a finished saga so it classifies as it did the first time.
func recordedFailure(record saga.SagaRecord) error {
	var cause error
	switch {
	case record.FailedStep == StepValidate:
		cause = ErrInvalidOrder
	case record.Class == resilience.ClassRejection.String():
		cause = resilience.Reject(record.FailedStep+" rejected", nil)
	case record.Class == resilience.ClassBreakerOpen.String():
		cause = &resilience.BreakerOpenError{Dependency: stepDependencies[record.FailedStep]}
	case record.Class == resilience.ClassCanceled.String():
		cause = context.Canceled
	default:
		cause = &resilience.TransientError{Op: record.FailedStep, Err: errors.New("failed")}
	}
	return &recordedError{detail: record.Detail, cause: cause}
}

// GetOrder reads a confirmed order.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (ConfirmedOrder, error) {
	var confirmed ConfirmedOrder
	outcome := s.exec.Execute(ctx, DependencyOrders, func(ctx context.Context) error {
		got, err := s.store.Get(ctx, orderID)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				return resilience.Reject("order not found", err)
			}
			return err
		}
		confirmed = got
		return nil
	})
	return confirmed, outcome.Err
}

// CancelOrder undoes a confirmed order: the payment is refunded, then the stock released, then the order
// marked cancelled. Once started the cancellation runs to completion even if ctx is cancelled.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (ConfirmedOrder, error) {
	confirmed, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return ConfirmedOrder{}, err
	}
	if confirmed.Status == OrderStatusCancelled {
		return confirmed, fmt.Errorf("%w: %s", ErrOrderCancelled, orderID)
	}

	ctx = context.WithoutCancel(ctx)
	undo := []struct {
		name, dependency string
		op               func(context.Context) error
	}{
		{CompensationRefund, DependencyPayment, func(ctx context.Context) error {
			return s.payments.Refund(ctx, confirmed.PaymentID)
		}},
		{CompensationRelease, DependencyInventory, func(ctx context.Context) error {
			return s.inventory.Release(ctx, confirmed.Reservation())
		}},
		{"cancel", DependencyOrders, func(ctx context.Context) error {
			return s.store.UpdateStatus(ctx, orderID, OrderStatusCancelled)
		}},
	}

	var failures []CompensationFailure
	for _, u := range undo {
		outcome := s.exec.Execute(ctx, u.dependency, u.op)
		s.journalStep(ctx, orderID, u.name, statusOf(outcome), outcome.Attempts, outcome.Err)
		if outcome.Err != nil {
			failures = append(failures, CompensationFailure{
				Step:         "cancel",
				Compensation: u.name,
				Attempts:     outcome.Attempts,
				Err:          outcome.Err,
			})
			// The order stays confirmed so the cancellation can be retried.
			break
		}
	}
	if len(failures) > 0 {
		cerr := &CompensationError{OrderID: orderID, Failures: failures}
		s.logger.Error("order cancellation failed", zap.String("order_id", orderID), zap.Error(cerr))
		return confirmed, cerr
	}

	confirmed.Status = OrderStatusCancelled
	if s.journal != nil {
		if err := s.journal.Finish(ctx, orderID, saga.Outcome{Status: saga.SagaStatusCancelled, Detail: "cancelled by request"}); err != nil {
			s.logger.Warn("journal finish failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	if err := s.publisher.Publish(ctx, events.Event{
		Type:        events.TypeOrderCancelled,
		OrderID:     orderID,
		Status:      string(OrderStatusCancelled),
		Compensated: true,
		Timestamp:   s.now().UTC(),
	}); err != nil {
		s.logger.Warn("publish cancel event failed", zap.String("order_id", orderID), zap.Error(err))
	}
	s.logger.Info("order cancelled", zap.String("order_id", orderID))
	return confirmed, nil
}

func (s *OrderService) journalStep(ctx context.Context, orderID, step, status string, attempts int, stepErr error) {
	if s.journal == nil {
		return
	}
	entry := saga.StepEntry{Step: step, Status: status, Attempts: attempts}
	if stepErr != nil {
		entry.Detail = stepErr.Error()
	}
	if err := s.journal.AddStep(context.WithoutCancel(ctx), orderID, entry); err != nil {
		s.logger.Warn("journal step failed",
			zap.String("order_id", orderID),
			zap.String("step", step),
			zap.Error(err),
		)
	}
}

func statusOf(outcome resilience.CallOutcome) string {
	if outcome.Success() {
		return string(StepSucceeded)
	}
	return string(StepFailed)
}
