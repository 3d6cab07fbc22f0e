package server

import (
	"chat-core/auth"
	"chat-core/contract"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	grpc3 "github.com/mama165/sdk-go/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Check probes one dependency of the gateway. A nil error means serving.
type Check func(ctx context.Context) error

// HealthServer exposes the standard gRPC health service on the ops port.
// The overall status ("") is serving only while every registered check passes.
type HealthServer struct {
	log      *slog.Logger
	server   *grpc.Server
	health   *health.Server
	interval time.Duration

	mu     sync.Mutex
	checks map[string]Check
}

func NewHealthServer(log *slog.Logger, authenticator contract.Authenticator, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpc3.UnaryLoggingInterceptor(log),
			auth.UnaryInterceptor(authenticator),
		))
	h := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, h)
	reflection.Register(s)

	return &HealthServer{
		log:      log,
		server:   s,
		health:   h,
		interval: interval,
		checks:   make(map[string]Check),
	}
}

// AddCheck registers a named check, reported as its own service.
func (h *HealthServer) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
	h.health.SetServingStatus(name, grpc_health_v1.HealthCheckResponse_UNKNOWN)
}

// Probe runs every check once and publishes the statuses.
func (h *HealthServer) Probe(ctx context.Context) bool {
	h.mu.Lock()
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.Unlock()

	healthy := true
	for name, check := range checks {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			h.log.Warn("Health check failed", "check", name, "error", err)
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			healthy = false
		}
		h.health.SetServingStatus(name, status)
	}
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if !healthy {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", overall)
	return healthy
}

// Run probes on every interval until ctx is done.
func (h *HealthServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

func (h *HealthServer) Serve(listener net.Listener) error {
	for serviceName := range h.server.GetServiceInfo() {
		h.log.Debug("📡 gRPC exposed services", "name", serviceName)
	}
	if err := h.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop reports not serving to watchers then drains in-flight calls.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
