// Package grpc publishes dependency health over the standard gRPC health protocol.
package grpc

import (
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"orderflow/internal/resilience"
)

// ServicePrefix namespaces per-dependency health service names, e.g. "orderflow.payment".
const ServicePrefix = "orderflow."

// HealthReporter mirrors breaker state into a grpc health server: a dependency whose breaker is open is
// NOT_SERVING, otherwise SERVING. The overall ("") status stays SERVING until Shutdown.
type HealthReporter struct {
	server *health.Server
	logger *zap.Logger

	mu       sync.Mutex
	services []string
	shutdown bool
}

// NewHealthReporter wraps server. A nil server gets a fresh health.Server.
func NewHealthReporter(server *health.Server, logger *zap.Logger) *HealthReporter {
	if server == nil {
		server = health.NewServer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthReporter{server: server, logger: logger}
}

// Server returns the underlying health server for registration.
func (h *HealthReporter) Server() *health.Server {
	return h.server
}

// Watch publishes b's current state and follows its transitions.
func (h *HealthReporter) Watch(b *resilience.Breaker) {
	service := ServicePrefix + b.Name()

	h.mu.Lock()
	h.services = append(h.services, service)
	h.mu.Unlock()

	h.set(service, b.State())
	b.OnTransition(func(t resilience.Transition) {
		h.set(service, t.To)
	})
}

// Shutdown marks every service NOT_SERVING. Later transitions are ignored.
func (h *HealthReporter) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	services := append([]string(nil), h.services...)
	h.mu.Unlock()

	for _, service := range services {
		h.server.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
}

func (h *HealthReporter) set(service string, state resilience.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown {
		return
	}

	status := healthpb.HealthCheckResponse_SERVING
	if state == resilience.StateOpen {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus(service, status)
	h.logger.Debug("dependency health", zap.String("service", service), zap.Stringer("status", status))
}
