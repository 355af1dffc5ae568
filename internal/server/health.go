package server

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/limiquantix/rebalancer/internal/domain"
)

// HealthService is the gRPC service name reported next to the overall status.
const HealthService = "rebalancer"

// HealthReporter exposes the outcome of the latest cycle over the gRPC
// health protocol. It reports NOT_SERVING until a cycle converges without
// evacuation failures.
type HealthReporter struct {
	health *health.Server
	logger *zap.Logger
}

// NewHealthReporter creates a reporter in the NOT_SERVING state.
func NewHealthReporter(logger *zap.Logger) *HealthReporter {
	h := &HealthReporter{
		health: health.NewServer(),
		logger: logger.With(zap.String("component", "grpc-health")),
	}
	h.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return h
}

// Observe updates the status from a completed plan. It is meant as a
// scheduling engine cycle hook.
func (h *HealthReporter) Observe(plan *domain.Plan) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if plan.Balanced() {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.set(status)
	h.logger.Debug("Health status updated", zap.String("status", status.String()), zap.String("plan_id", plan.ID))
}

func (h *HealthReporter) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthService, status)
}

// Serve runs a gRPC server with the health service until ctx is done.
func (h *HealthReporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, h.health)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	h.logger.Info("gRPC health server listening", zap.String("address", addr))

	select {
	case <-ctx.Done():
		h.health.Shutdown()
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("gRPC server error: %w", err)
	}
}
