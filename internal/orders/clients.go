package orders

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"orderflow/internal/resilience"
)

var (
	// ErrItemNotFound is returned for reservations of unknown items.
	ErrItemNotFound = errors.New("item not found")
	// ErrInsufficientStock is returned when a reservation exceeds available stock.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPaymentNotFound is returned when refunding an unknown payment.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentDeclined is returned when a charge is refused.
	ErrPaymentDeclined = errors.New("payment declined")
)

// NewInMemoryInventoryClient constructs an in-memory inventory seeded with stock per item.
func NewInMemoryInventoryClient(stock map[string]int) *InMemoryInventoryClient {
	c := &InMemoryInventoryClient{
		stock:        make(map[string]int, len(stock)),
		reservations: make(map[string]Reservation),
	}
	for item, qty := range stock {
		c.stock[item] = qty
	}
	return c
}

// InMemoryInventoryClient tracks stock and reservations in memory.
type InMemoryInventoryClient struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string]Reservation
}

func (c *InMemoryInventoryClient) Reserve(ctx context.Context, itemID string, quantity int) (Reservation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	available, ok := c.stock[itemID]
	if !ok {
		return Reservation{}, resilience.Reject("item not found", ErrItemNotFound)
	}
	if available < quantity {
		return Reservation{}, resilience.Reject("insufficient stock", ErrInsufficientStock)
	}
	c.stock[itemID] = available - quantity
	r := Reservation{ID: "res-" + uuid.NewString(), ItemID: itemID, Quantity: quantity}
	c.reservations[r.ID] = r
	return r, nil
}

// Release returns reserved stock. Releasing an unknown or already released reservation is a no-op.
func (c *InMemoryInventoryClient) Release(ctx context.Context, reservation Reservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.reservations[reservation.ID]
	if !ok {
		return nil
	}
	delete(c.reservations, r.ID)
	c.stock[r.ItemID] += r.Quantity
	return nil
}

// Available returns the free stock of an item (for testing/inspection).
func (c *InMemoryInventoryClient) Available(itemID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock[itemID]
}

// NewInMemoryPaymentClient constructs an in-memory payment client. Charges above limit are declined;
// a zero limit accepts every charge.
func NewInMemoryPaymentClient(limit float64) *InMemoryPaymentClient {
	return &InMemoryPaymentClient{
		limit:    limit,
		charges:  make(map[string]Charge),
		refunded: make(map[string]bool),
	}
}

// InMemoryPaymentClient tracks charges and refunds in memory.
type InMemoryPaymentClient struct {
	mu       sync.Mutex
	limit    float64
	charges  map[string]Charge
	refunded map[string]bool
}

func (c *InMemoryPaymentClient) Charge(ctx context.Context, charge Charge) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && charge.Amount > c.limit {
		return "", resilience.Reject("payment declined", ErrPaymentDeclined)
	}
	id := "pay-" + uuid.NewString()
	c.charges[id] = charge
	return id, nil
}

// Refund refunds a payment. Refunding twice succeeds.
func (c *InMemoryPaymentClient) Refund(ctx context.Context, paymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.charges[paymentID]; !ok {
		return resilience.Reject("payment not found", ErrPaymentNotFound)
	}
	c.refunded[paymentID] = true
	return nil
}

// WasCharged reports whether an order was charged (for testing/inspection).
func (c *InMemoryPaymentClient) WasCharged(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.charges {
		if ch.OrderID == orderID {
			return true
		}
	}
	return false
}

// WasRefunded reports whether a payment was refunded (for testing/inspection).
func (c *InMemoryPaymentClient) WasRefunded(paymentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refunded[paymentID]
}

// NewInMemoryOrderStore constructs an in-memory order store.
func NewInMemoryOrderStore() *InMemoryOrderStore {
	return &InMemoryOrderStore{orders: make(map[string]ConfirmedOrder)}
}

// InMemoryOrderStore keeps confirmed orders in memory.
type InMemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]ConfirmedOrder
}

func (s *InMemoryOrderStore) Confirm(ctx context.Context, order ConfirmedOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.Order.ID] = order
	return nil
}

func (s *InMemoryOrderStore) Get(ctx context.Context, orderID string) (ConfirmedOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return ConfirmedOrder{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *InMemoryOrderStore) UpdateStatus(ctx context.Context, orderID string, status OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.Status = status
	s.orders[orderID] = order
	return nil
}
