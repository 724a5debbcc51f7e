package control

import (
	"sync"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StatusSource supplies app snapshots. *master.Master implements it.
type StatusSource interface {
	StatusAll() []supervisor.Status
}

// HealthHandler mirrors app states into the standard gRPC health service:
// one service per app name, SERVING while the app is running.
type HealthHandler struct {
	health *health.Server
	source StatusSource
	logger logging.Logger

	mutex sync.Mutex
	last  map[string]healthpb.HealthCheckResponse_ServingStatus
}

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, source StatusSource, logger logging.Logger) *HealthHandler {
	handler := &HealthHandler{
		health: health.NewServer(),
		source: source,
		logger: logger,
		last:   make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	healthpb.RegisterHealthServer(grpcServerRegistrar, handler.health)
	return handler
}

// Sync pulls the current app states into the health service.
func (h *HealthHandler) Sync() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	for _, status := range h.source.StatusAll() {
		servingStatus := healthpb.HealthCheckResponse_NOT_SERVING
		if status.State == supervisor.StateRunning {
			servingStatus = healthpb.HealthCheckResponse_SERVING
		}

		if previous, ok := h.last[status.Name]; ok && previous == servingStatus {
			continue
		}
		h.last[status.Name] = servingStatus
		h.health.SetServingStatus(status.Name, servingStatus)
		h.logger.Debugf("Health status updated, app: %s, state: %s, status: %s", status.Name, status.State, servingStatus)
	}
}

// Shutdown reports every service as NOT_SERVING and ignores later syncs.
func (h *HealthHandler) Shutdown() {
	h.health.Shutdown()
}
