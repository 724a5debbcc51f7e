package control

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// NewConnection opens a client connection to a local control server.
func NewConnection(port int) (*grpc.ClientConn, error) {
	if port <= 0 {
		return nil, errors.NewValidationError("control port is required", nil)
	}
	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.NewIOError("failed to create control connection", err).WithContext("port", port)
	}
	return conn, nil
}

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		grpcClient: healthpb.NewHealthClient(grpcClientConnection),
		logger:     logger,
	}
}

type grpcClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context, app string) (string, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: app})
	if err != nil {
		gw.logger.Errorf("Status client gateway, app: %s, error: %v", app, err)
		if status.Code(err) == codes.NotFound {
			return "", errors.NewNotFoundError("app not found", err).WithContext("app", app)
		}
		return "", errors.NewIOError("status request failed", err).WithContext("app", app)
	}
	gw.logger.Debugf("Status client gateway done, app: %s", app)
	return response.GetStatus().String(), nil
}
