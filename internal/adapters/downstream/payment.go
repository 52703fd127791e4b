package downstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"orderflow/internal/orders"
	"orderflow/internal/resilience"
)

// Payments talks to the payment service over HTTP.
type Payments struct {
	c *client
}

var _ orders.PaymentClient = (*Payments)(nil)

// NewPayments constructs a payment adapter rooted at baseURL.
func NewPayments(baseURL string, opts ...Option) *Payments {
	return &Payments{c: newClient(baseURL, opts...)}
}

type chargeRequest struct {
	OrderID       string  `json:"order_id"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
	CustomerName  string  `json:"customer_name"`
}

type chargeResponse struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

var chargeRejections = map[int]error{
	http.StatusBadRequest:          orders.ErrPaymentDeclined,
	http.StatusPaymentRequired:     orders.ErrPaymentDeclined,
	http.StatusConflict:            orders.ErrPaymentDeclined,
	http.StatusUnprocessableEntity: orders.ErrPaymentDeclined,
}

// Charge processes a payment and returns its id. Declines are rejections.
func (p *Payments) Charge(ctx context.Context, charge orders.Charge) (string, error) {
	var resp chargeResponse
	err := p.c.post(ctx, "payment charge", "/payments/process", chargeRequest{
		OrderID:       charge.OrderID,
		Amount:        charge.Amount,
		PaymentMethod: charge.Method,
		CustomerName:  charge.AccountRef,
	}, &resp)
	if err != nil {
		return "", reject(err, chargeRejections)
	}
	if !resp.Success || resp.PaymentID == "" {
		return "", resilience.Reject("payment not completed", errors.Wrapf(orders.ErrPaymentDeclined, "status %q", resp.Status))
	}
	return resp.PaymentID, nil
}

// Refund reverses a payment. A payment that is already refunded counts as refunded.
func (p *Payments) Refund(ctx context.Context, paymentID string) error {
	err := p.c.post(ctx, "payment refund", "/payments/"+url.PathEscape(paymentID)+"/refund", nil, nil)
	if err == nil {
		return nil
	}
	var serr *statusError
	if errors.As(err, &serr) && serr.Status == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(serr.Message), "already refunded") {
		p.c.logger.Debug("payment already refunded")
		return nil
	}
	return reject(err, map[int]error{http.StatusNotFound: orders.ErrPaymentNotFound})
}
