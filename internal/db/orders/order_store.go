package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/orders"
)

// PostgresOrderStore persists confirmed orders in Postgres.
type PostgresOrderStore struct {
	db *sql.DB
}

// NewPostgresOrderStore constructs an OrderStore backed by Postgres.
func NewPostgresOrderStore(db *sql.DB) *PostgresOrderStore {
	return &PostgresOrderStore{db: db}
}

// NewPostgresOrderStoreWithSchema initializes the schema then returns the store.
func NewPostgresOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*PostgresOrderStore, error) {
	store := NewPostgresOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the confirmed_orders table if it does not exist.
func (p *PostgresOrderStore) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS confirmed_orders (
			order_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			quantity INT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			payment_method TEXT NOT NULL,
			reservation_id TEXT NOT NULL,
			payment_id TEXT NOT NULL,
			status TEXT NOT NULL,
			confirmed_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("init order schema: %w", err)
	}
	return nil
}

// Confirm inserts the order. Confirming the same order twice is a no-op so a retried attempt whose first
// try committed still succeeds.
func (p *PostgresOrderStore) Confirm(ctx context.Context, order orders.ConfirmedOrder) error {
	if order.Order.ID == "" {
		return errors.New("order id required")
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO confirmed_orders
			(order_id, customer_id, item_id, quantity, amount, payment_method, reservation_id, payment_id, status, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id) DO NOTHING`,
		order.Order.ID, order.Order.CustomerID, order.Order.ItemID, order.Order.Quantity, order.Order.Amount,
		order.Order.PaymentMethod, order.ReservationID, order.PaymentID, string(order.Status), order.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("confirm order %s: %w", order.Order.ID, err)
	}
	return nil
}

// Get loads a confirmed order.
func (p *PostgresOrderStore) Get(ctx context.Context, orderID string) (orders.ConfirmedOrder, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT order_id, customer_id, item_id, quantity, amount, payment_method, reservation_id, payment_id, status, confirmed_at
		FROM confirmed_orders
		WHERE order_id = $1`,
		orderID,
	)

	var co orders.ConfirmedOrder
	var status string
	var confirmedAt time.Time
	err := row.Scan(&co.Order.ID, &co.Order.CustomerID, &co.Order.ItemID, &co.Order.Quantity, &co.Order.Amount,
		&co.Order.PaymentMethod, &co.ReservationID, &co.PaymentID, &status, &confirmedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return orders.ConfirmedOrder{}, orders.ErrOrderNotFound
	case err != nil:
		return orders.ConfirmedOrder{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	co.Status = orders.OrderStatus(status)
	co.ConfirmedAt = confirmedAt
	return co, nil
}

// UpdateStatus changes the lifecycle status of a confirmed order.
func (p *PostgresOrderStore) UpdateStatus(ctx context.Context, orderID string, status orders.OrderStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE confirmed_orders
		SET status = $2, updated_at = NOW()
		WHERE order_id = $1`,
		orderID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	if affected == 0 {
		return orders.ErrOrderNotFound
	}
	return nil
}
