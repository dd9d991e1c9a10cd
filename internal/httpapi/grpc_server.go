package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes readiness over the standard gRPC health protocol.
// Status is recomputed from the readiness probe on every tick of Run.
type HealthServer struct {
	health    *health.Server
	readiness readinessChecker
	logger    *zap.Logger
	serving   bool
}

func NewHealthServer(r readinessChecker, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if r == nil {
		r = NewReadyProbe()
	}
	hs := &HealthServer{
		health:    health.NewServer(),
		readiness: r,
		logger:    logger,
	}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Register attaches the health service to srv.
func (h *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, h.health)
}

// Refresh runs the readiness probe once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		if h.serving {
			h.logger.Warn("grpc health degraded", zap.Error(err))
		}
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	if !h.serving {
		h.logger.Info("grpc health serving")
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
}

// Run refreshes status until ctx is done, then marks every service as
// shutting down so clients drain.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.serving = status == healthpb.HealthCheckResponse_SERVING
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(serviceName, status)
}
