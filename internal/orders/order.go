package orders

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Payment methods accepted by the payment service.
const (
	PaymentCreditCard   = "credit_card"
	PaymentDebitCard    = "debit_card"
	PaymentPayPal       = "paypal"
	PaymentBankTransfer = "bank_transfer"
)

var supportedPaymentMethods = []string{PaymentCreditCard, PaymentDebitCard, PaymentPayPal, PaymentBankTransfer}

// ErrInvalidOrder is returned by Validate for malformed order payloads.
var ErrInvalidOrder = errors.New("invalid order")

// ErrOrderNotFound is returned when no confirmed order exists for an id.
var ErrOrderNotFound = errors.New("order not found")

// Order is an inbound order request.
type Order struct {
	ID             string  `json:"id,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	CustomerID     string  `json:"customer_id"`
	ItemID         string  `json:"item_id"`
	Quantity       int     `json:"quantity"`
	Amount         float64 `json:"amount"`
	PaymentMethod  string  `json:"payment_method"`
}

// Validate checks the order payload locally.
func (o Order) Validate() error {
	var problems []string
	if strings.TrimSpace(o.CustomerID) == "" {
		problems = append(problems, "customer_id is required")
	}
	if strings.TrimSpace(o.ItemID) == "" {
		problems = append(problems, "item_id is required")
	}
	if o.Quantity <= 0 {
		problems = append(problems, "quantity must be > 0")
	}
	if o.Amount <= 0 {
		problems = append(problems, "amount must be > 0")
	}
	if !slices.Contains(supportedPaymentMethods, o.PaymentMethod) {
		problems = append(problems, fmt.Sprintf("unsupported payment method %q", o.PaymentMethod))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidOrder, strings.Join(problems, "; "))
	}
	return nil
}

// Reservation is a stock hold returned by the inventory service.
type Reservation struct {
	ID       string `json:"reservation_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// Charge is a payment request.
type Charge struct {
	OrderID    string
	AccountRef string
	Amount     float64
	Method     string
}

// InventoryClient reserves and releases stock.
type InventoryClient interface {
	Reserve(ctx context.Context, itemID string, quantity int) (Reservation, error)
	Release(ctx context.Context, reservation Reservation) error
}

// PaymentClient charges and refunds payments.
type PaymentClient interface {
	Charge(ctx context.Context, charge Charge) (string, error)
	Refund(ctx context.Context, paymentID string) error
}

// OrderStatus is the lifecycle state of a confirmed order.
type OrderStatus string

const (
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ConfirmedOrder is the persisted outcome of a successful saga.
type ConfirmedOrder struct {
	Order         Order       `json:"order"`
	ReservationID string      `json:"reservation_id"`
	PaymentID     string      `json:"payment_id"`
	Status        OrderStatus `json:"status"`
	ConfirmedAt   time.Time   `json:"confirmed_at"`
}

// Reservation rebuilds the stock hold held by the order.
func (c ConfirmedOrder) Reservation() Reservation {
	return Reservation{ID: c.ReservationID, ItemID: c.Order.ItemID, Quantity: c.Order.Quantity}
}

// OrderStore persists confirmed orders.
type OrderStore interface {
	Confirm(ctx context.Context, order ConfirmedOrder) error
	Get(ctx context.Context, orderID string) (ConfirmedOrder, error)
	UpdateStatus(ctx context.Context, orderID string, status OrderStatus) error
}
