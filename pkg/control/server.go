package control

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
)

const DefaultSyncInterval = time.Second

type ServerOptions struct {
	Port         int // 0 picks a free port
	SyncInterval time.Duration
}

// Server exposes app health over gRPC.
type Server struct {
	options  ServerOptions
	logger   logging.Logger
	grpc     *grpc.Server
	handler  *HealthHandler
	listener net.Listener

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewServer(options ServerOptions, source StatusSource, logger logging.Logger) (*Server, error) {
	if source == nil {
		return nil, errors.NewValidationError("status source cannot be nil", nil)
	}
	if options.SyncInterval <= 0 {
		options.SyncInterval = DefaultSyncInterval
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", options.Port))
	if err != nil {
		return nil, errors.NewIOError("failed to listen", err).WithContext("port", options.Port)
	}

	grpcServer := grpc.NewServer()
	handler := RegisterGRPCServerHandler(grpcServer, source, logger)

	return &Server{
		options:  options,
		logger:   logger,
		grpc:     grpcServer,
		handler:  handler,
		listener: listener,
		stop:     make(chan struct{}),
	}, nil
}

// Port returns the port actually bound.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Start serves in the background and keeps health in sync until Stop.
func (s *Server) Start(ctx context.Context) {
	s.handler.Sync()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.logger.Infof("Control server listening on port %d", s.Port())
		if err := s.grpc.Serve(s.listener); err != nil {
			s.logger.Errorf("Control server stopped serving: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.syncLoop(ctx)
	}()
}

// Sync refreshes health statuses immediately.
func (s *Server) Sync() {
	s.handler.Sync()
}

func (s *Server) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.options.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.handler.Sync()
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// Stop marks everything NOT_SERVING and shuts down, forcefully once ctx
// is done.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.handler.Shutdown()

		stopped := make(chan struct{})
		go func() {
			s.grpc.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-ctx.Done():
			s.logger.Warnf("Control server graceful stop timed out, forcing")
			s.grpc.Stop()
		}
		s.wg.Wait()
		s.logger.Infof("Control server stopped")
	})
}
