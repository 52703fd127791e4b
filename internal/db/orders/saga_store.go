package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderflow/internal/orders/saga"
)

// SagaStore persists idempotency keys and saga steps in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_sagas (
			order_id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			customer_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			failed_step TEXT NOT NULL DEFAULT '',
			failure_class TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			FOREIGN KEY (order_id) REFERENCES order_sagas(order_id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init saga schema: %w", err)
		}
	}

	return nil
}

// Start inserts a new saga or returns the existing one for the idempotency key. An order id already
// registered under a different key is an idempotency conflict.
func (s *SagaStore) Start(ctx context.Context, idempotencyKey, orderID, customerID string, amount float64) (saga.SagaRecord, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_sagas (order_id, idempotency_key, customer_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		orderID, idempotencyKey, customerID, amount, saga.SagaStatusStarted,
	)
	if err != nil {
		return saga.SagaRecord{}, false, fmt.Errorf("insert saga %s: %w", orderID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return saga.SagaRecord{}, false, fmt.Errorf("insert saga %s: %w", orderID, err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, customer_id, amount, status, failed_step, failure_class, detail
		FROM order_sagas
		WHERE idempotency_key = $1`,
		idempotencyKey,
	)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Nothing under this key, so the insert lost to the order id.
			return saga.SagaRecord{}, false, fmt.Errorf("%w: order %s started under another key", saga.ErrIdempotencyConflict, orderID)
		}
		return saga.SagaRecord{}, false, fmt.Errorf("load saga %s: %w", idempotencyKey, err)
	}

	if record.CustomerID != customerID || record.Amount != amount {
		return saga.SagaRecord{}, false, saga.ErrIdempotencyConflict
	}

	return record, affected == 1, nil
}

// Finish records the saga's terminal outcome.
func (s *SagaStore) Finish(ctx context.Context, orderID string, outcome saga.Outcome) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_sagas
		SET status = $2, failed_step = $3, failure_class = $4, detail = $5, updated_at = NOW()
		WHERE order_id = $1`,
		orderID, outcome.Status, outcome.FailedStep, outcome.Class, outcome.Detail,
	)
	if err != nil {
		return fmt.Errorf("finish saga %s: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish saga %s: %w", orderID, err)
	}
	if affected == 0 {
		return saga.ErrSagaNotFound
	}
	return nil
}

// AddStep appends a saga step row.
func (s *SagaStore) AddStep(ctx context.Context, orderID string, entry saga.StepEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_saga_steps (order_id, step, status, attempts, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		orderID, entry.Step, entry.Status, entry.Attempts, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("add saga step %s: %w", entry.Step, err)
	}
	return nil
}

// Get loads a saga by order id.
func (s *SagaStore) Get(ctx context.Context, orderID string) (saga.SagaRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, customer_id, amount, status, failed_step, failure_class, detail
		FROM order_sagas
		WHERE order_id = $1`,
		orderID,
	)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.SagaRecord{}, saga.ErrSagaNotFound
	}
	return record, err
}

func scanRecord(row *sql.Row) (saga.SagaRecord, error) {
	var record saga.SagaRecord
	var status string
	if err := row.Scan(&record.OrderID, &record.CustomerID, &record.Amount, &status, &record.FailedStep, &record.Class, &record.Detail); err != nil {
		return saga.SagaRecord{}, err
	}
	record.Status = saga.SagaStatus(status)
	return record, nil
}
