package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported alongside the overall ("") status.
const HealthServiceName = "cloudtown.presence"

// HealthService exposes the standard gRPC health-check protocol.
type HealthService struct {
	addr   string
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthService creates a HealthService listening on addr.
//
// Precondition: logger must be non-nil.
func NewHealthService(addr string, logger *zap.Logger) *HealthService {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthService{addr: addr, srv: srv, health: hs, logger: logger}
}

// Start listens, reports SERVING and serves until Stop is called.
func (h *HealthService) Start() error {
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = lis
	h.mu.Unlock()

	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	h.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

// Stop reports NOT_SERVING and stops the server. Open Watch streams are
// given a short grace period before being cut.
func (h *HealthService) Stop() {
	h.health.Shutdown()

	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.logger.Warn("gRPC health server did not stop gracefully")
		h.srv.Stop()
	}
}

// Addr returns the bound address, or an empty string before Start has listened.
func (h *HealthService) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Status reports the current overall serving status.
func (h *HealthService) Status() healthpb.HealthCheckResponse_ServingStatus {
	resp, err := h.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return resp.GetStatus()
}
