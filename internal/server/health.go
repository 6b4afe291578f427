package server

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// LobbyHealthService is the health service name reporting whether the lobby
// still admits players.
const LobbyHealthService = "lobby"

// HealthService serves the standard gRPC health protocol. The overall status
// ("") is SERVING for the life of the process; named services are toggled
// with SetServing.
type HealthService struct {
	listener net.Listener
	server   *grpc.Server
	health   *health.Server
	logger   *zap.Logger
}

// NewHealthService listens on addr and registers the health server.
//
// Postcondition: Returns an error if addr cannot be bound.
func NewHealthService(addr string, logger *zap.Logger) (*HealthService, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	hs := health.NewServer()
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	hs.SetServingStatus(LobbyHealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	return &HealthService{listener: lis, server: srv, health: hs, logger: logger}, nil
}

// Addr returns the bound listener address.
func (h *HealthService) Addr() string {
	return h.listener.Addr().String()
}

// SetServing sets the status of a named service.
func (h *HealthService) SetServing(service string, serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.logger.Info("health status changed",
		zap.String("service", service),
		zap.Stringer("status", status),
	)
	h.health.SetServingStatus(service, status)
}

// Start serves until Stop is called.
func (h *HealthService) Start() error {
	h.logger.Info("health service listening", zap.String("addr", h.Addr()))
	if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight checks.
func (h *HealthService) Stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
