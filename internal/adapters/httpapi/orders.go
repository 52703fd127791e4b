package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
	"orderflow/internal/resilience"
)

var errServerStatus = errors.New("server error status")

type errorResponse struct {
	Error string `json:"error"`
}

type stepResponse struct {
	Name                 string `json:"name"`
	Status               string `json:"status"`
	Attempts             int    `json:"attempts"`
	ShortCircuited       bool   `json:"short_circuited,omitempty"`
	Error                string `json:"error,omitempty"`
	Compensation         string `json:"compensation,omitempty"`
	CompensationStatus   string `json:"compensation_status,omitempty"`
	CompensationAttempts int    `json:"compensation_attempts,omitempty"`
	CompensationError    string `json:"compensation_error,omitempty"`
}

type resultResponse struct {
	OrderID              string         `json:"order_id"`
	Status               string         `json:"status"`
	FailedStep           string         `json:"failed_step,omitempty"`
	Compensated          bool           `json:"compensated"`
	CompensationRequired bool           `json:"compensation_required"`
	Detail               string         `json:"detail"`
	Error                string         `json:"error,omitempty"`
	CompensationError    string         `json:"compensation_error,omitempty"`
	ReservationID        string         `json:"reservation_id,omitempty"`
	PaymentID            string         `json:"payment_id,omitempty"`
	Replayed             bool           `json:"replayed,omitempty"`
	Steps                []stepResponse `json:"steps,omitempty"`
}

type orderResponse struct {
	orders.Order
	ReservationID string    `json:"reservation_id"`
	PaymentID     string    `json:"payment_id"`
	Status        string    `json:"status"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

func (h *handlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	var order orders.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if key := r.Header.Get(IdempotencyHeader); key != "" {
		order.IdempotencyKey = key
	}

	result, err := h.orders.SubmitOrder(r.Context(), order)
	if err != nil {
		h.logger.Warn("submit order rejected", zap.String("order_id", result.OrderID), zap.Error(err))
		writeError(w, submitErrorStatus(err), err)
		return
	}

	if result.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, resultStatus(result), toResultResponse(result))
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	confirmed, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, orderErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(confirmed))
}

func (h *handlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	confirmed, err := h.orders.CancelOrder(r.Context(), id)
	if err != nil {
		h.logger.Warn("cancel order failed", zap.String("order_id", id), zap.Error(err))
		writeError(w, orderErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(confirmed))
}

// submitErrorStatus maps errors that prevented a saga from starting.
func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, orders.ErrSagaInProgress):
		return http.StatusConflict
	case errors.Is(err, saga.ErrIdempotencyConflict):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// resultStatus maps a terminal saga result.
func resultStatus(result orders.Result) int {
	switch {
	case result.Status == orders.StatusSucceeded:
		if result.Replayed {
			return http.StatusOK
		}
		return http.StatusCreated
	case result.CompensationErr != nil:
		return http.StatusInternalServerError
	case result.FailedStep == orders.StepValidate:
		return http.StatusBadRequest
	}
	return failureStatus(result.Err)
}

// orderErrorStatus maps read and cancel errors.
func orderErrorStatus(err error) int {
	var cerr *orders.CompensationError
	switch {
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrOrderCancelled):
		return http.StatusConflict
	case errors.As(err, &cerr):
		return http.StatusInternalServerError
	}
	return failureStatus(err)
}

func failureStatus(err error) int {
	switch resilience.Classify(err) {
	case resilience.ClassRejection:
		return http.StatusUnprocessableEntity
	case resilience.ClassBreakerOpen:
		return http.StatusServiceUnavailable
	case resilience.ClassCanceled:
		return http.StatusServiceUnavailable
	case resilience.ClassTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func toResultResponse(result orders.Result) resultResponse {
	resp := resultResponse{
		OrderID:              result.OrderID,
		Status:               string(result.Status),
		FailedStep:           result.FailedStep,
		Compensated:          result.Compensated,
		CompensationRequired: result.CompensationRequired,
		Detail:               result.Detail(),
		Error:                errString(result.Err),
		CompensationError:    errString(result.CompensationErr),
		ReservationID:        result.ReservationID,
		PaymentID:            result.PaymentID,
		Replayed:             result.Replayed,
	}
	for _, step := range result.Steps {
		resp.Steps = append(resp.Steps, stepResponse{
			Name:                 step.Name,
			Status:               string(step.Status),
			Attempts:             step.Attempts,
			ShortCircuited:       step.ShortCircuited,
			Error:                errString(step.Err),
			Compensation:         step.Compensation,
			CompensationStatus:   string(step.CompensationStatus),
			CompensationAttempts: step.CompensationAttempts,
			CompensationError:    errString(step.CompensationErr),
		})
	}
	return resp
}

func toOrderResponse(confirmed orders.ConfirmedOrder) orderResponse {
	return orderResponse{
		Order:         confirmed.Order,
		ReservationID: confirmed.ReservationID,
		PaymentID:     confirmed.PaymentID,
		Status:        string(confirmed.Status),
		ConfirmedAt:   confirmed.ConfirmedAt,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
