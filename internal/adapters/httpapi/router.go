// Package httpapi exposes the order saga over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"orderflow/internal/observability"
	"orderflow/internal/orders"
	"orderflow/internal/resilience"
)

// IdempotencyHeader carries the client's idempotency key for order submission.
const IdempotencyHeader = "Idempotency-Key"

// OrderService is the order behaviour needed by the HTTP adapter.
type OrderService interface {
	SubmitOrder(ctx context.Context, order orders.Order) (orders.Result, error)
	GetOrder(ctx context.Context, orderID string) (orders.ConfirmedOrder, error)
	CancelOrder(ctx context.Context, orderID string) (orders.ConfirmedOrder, error)
}

// BreakerSource lists breaker state for introspection.
type BreakerSource interface {
	Snapshot() []resilience.BreakerSnapshot
}

// Option customises the router.
type Option func(*handlers)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records per-route request counts and latency.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *handlers) { h.metrics = m }
}

// WithLiveFeed mounts a websocket feed of saga and breaker events at /ws.
func WithLiveFeed(feed http.Handler) Option {
	return func(h *handlers) { h.feed = feed }
}

// WithRequestTimeout bounds every request. Compensation still runs to completion.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *handlers) { h.timeout = d }
}

type handlers struct {
	orders   OrderService
	breakers BreakerSource
	logger   *zap.Logger
	metrics  *observability.Metrics
	feed     http.Handler
	timeout  time.Duration
}

// NewRouter builds the HTTP API.
func NewRouter(svc OrderService, breakers BreakerSource, opts ...Option) *chi.Mux {
	h := &handlers{
		orders:   svc,
		breakers: breakers,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if h.timeout > 0 {
		r.Use(middleware.Timeout(h.timeout))
	}

	r.Get("/health", h.health)
	r.With(h.instrument("breakers")).Get("/breakers", h.listBreakers)
	r.Route("/orders", func(r chi.Router) {
		r.With(h.instrument("submit_order")).Post("/", h.submitOrder)
		r.With(h.instrument("get_order")).Get("/{id}", h.getOrder)
		r.With(h.instrument("cancel_order")).Post("/{id}/cancel", h.cancelOrder)
	})
	if h.feed != nil {
		r.Handle("/ws", h.feed)
	}
	return r
}

// instrument records the route in the metrics snapshot. Responses of 500 and above count as errors.
func (h *handlers) instrument(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := h.metrics.Start(route)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			var err error
			if ww.Status() >= http.StatusInternalServerError {
				err = errServerStatus
			}
			span.End(err)
			h.logger.Debug("http request",
				zap.String("route", route),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listBreakers(w http.ResponseWriter, r *http.Request) {
	var snaps []resilience.BreakerSnapshot
	if h.breakers != nil {
		snaps = h.breakers.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": snaps})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
