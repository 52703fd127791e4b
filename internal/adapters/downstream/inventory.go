package downstream

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"orderflow/internal/orders"
)

// Inventory talks to the inventory service over HTTP.
type Inventory struct {
	c *client
}

var _ orders.InventoryClient = (*Inventory)(nil)

// NewInventory constructs an inventory adapter rooted at baseURL.
func NewInventory(baseURL string, opts ...Option) *Inventory {
	return &Inventory{c: newClient(baseURL, opts...)}
}

type stockRequest struct {
	Quantity      int    `json:"quantity"`
	ReservationID string `json:"reservation_id,omitempty"`
}

// Reserve holds quantity units of itemID. Unknown items and insufficient stock are rejections.
func (i *Inventory) Reserve(ctx context.Context, itemID string, quantity int) (orders.Reservation, error) {
	reservation := orders.Reservation{ID: "res-" + uuid.NewString(), ItemID: itemID, Quantity: quantity}
	err := i.c.post(ctx, "inventory reserve", "/inventory/"+url.PathEscape(itemID)+"/reserve",
		stockRequest{Quantity: quantity, ReservationID: reservation.ID}, nil)
	if err != nil {
		return orders.Reservation{}, reject(err, map[int]error{
			http.StatusNotFound:   orders.ErrItemNotFound,
			http.StatusBadRequest: orders.ErrInsufficientStock,
			http.StatusConflict:   orders.ErrInsufficientStock,
		})
	}
	return reservation, nil
}

// Release returns a reservation's stock.
func (i *Inventory) Release(ctx context.Context, reservation orders.Reservation) error {
	err := i.c.post(ctx, "inventory release", "/inventory/"+url.PathEscape(reservation.ItemID)+"/release",
		stockRequest{Quantity: reservation.Quantity, ReservationID: reservation.ID}, nil)
	if err != nil {
		return reject(err, map[int]error{http.StatusNotFound: orders.ErrItemNotFound})
	}
	return nil
}
