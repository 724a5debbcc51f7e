package control

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer serves a Prometheus registry at /metrics.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
	done     chan struct{}
}

func NewMetricsServer(port int, gatherer prometheus.Gatherer, logger logging.Logger) (*MetricsServer, error) {
	if gatherer == nil {
		return nil, errors.NewValidationError("metrics gatherer cannot be nil", nil)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.NewIOError("failed to listen", err).WithContext("port", port)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

func (m *MetricsServer) Port() int {
	return m.listener.Addr().(*net.TCPAddr).Port
}

func (m *MetricsServer) Start() {
	go func() {
		defer close(m.done)
		m.logger.Infof("Metrics server listening on port %d", m.Port())
		if err := m.server.Serve(m.listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			m.logger.Errorf("Metrics server failed: %v", err)
		}
	}()
}

func (m *MetricsServer) Stop(ctx context.Context) error {
	err := m.server.Shutdown(ctx)
	<-m.done
	if err != nil {
		return errors.NewTimeoutError("metrics server shutdown failed", err)
	}
	m.logger.Infof("Metrics server stopped")
	return nil
}
