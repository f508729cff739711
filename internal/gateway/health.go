package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xdusongwei/httptrading/internal/events"
	"github.com/xdusongwei/httptrading/pkg/i18n"
)

// HealthService exposes the standard gRPC health protocol. The empty
// service name reports the gateway; each instance id is its own service.
type HealthService struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	logger       *slog.Logger

	updates <-chan any
	unsub   func()
}

// NewHealthService registers every managed instance as NOT_SERVING and
// starts following broker state events from bus.
func NewHealthService(m *Manager, bus *events.Bus, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	for _, id := range m.IDs() {
		healthServer.SetServingStatus(id, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	h := &HealthService{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		logger:       logger.With("component", "grpc_health"),
	}
	if bus != nil {
		h.updates, h.unsub = bus.Subscribe(events.EventBrokerState, 64)
	}
	return h
}

// Health returns the underlying health server.
func (h *HealthService) Health() *health.Server {
	return h.healthServer
}

// Apply maps one broker state onto the instance's serving status.
func (h *HealthService) Apply(s events.BrokerState) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	switch s.State {
	case StateStarted, StateHealthy:
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	h.healthServer.SetServingStatus(s.InstanceID, status)
}

// Watch applies broker state events until ctx is done.
func (h *HealthService) Watch(ctx context.Context) {
	if h.updates == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-h.updates:
			if !ok {
				return
			}
			if s, ok := v.(events.BrokerState); ok {
				h.Apply(s)
			}
		}
	}
}

// Serve listens on addr and blocks until ctx is cancelled.
func (h *HealthService) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen gRPC health: %w", err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on an existing listener until ctx is cancelled.
func (h *HealthService) ServeListener(ctx context.Context, lis net.Listener) error {
	go h.Watch(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info(fmt.Sprintf(i18n.M().GRPCHealthListening, lis.Addr()))
		h.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		errCh <- h.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			h.logger.Error(fmt.Sprintf(i18n.M().GRPCHealthError, err))
			return err
		}
	}
	h.healthServer.Shutdown()
	h.grpcServer.GracefulStop()
	if h.unsub != nil {
		h.unsub()
	}
	return nil
}
