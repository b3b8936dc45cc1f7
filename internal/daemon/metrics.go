package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// metricsServer serves Prometheus metrics and a health check for the worker
type metricsServer struct {
	addr     string
	status   func() Status
	logger   zerolog.Logger
	server   *http.Server
	listener net.Listener
}

func newMetricsServer(addr string, status func() Status, logger zerolog.Logger) *metricsServer {
	return &metricsServer{
		addr:   addr,
		status: status,
		logger: logger,
	}
}

// Start binds the listener before returning so address errors surface here.
func (s *metricsServer) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           otelhttp.NewHandler(mux, "agentloop.metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting metrics server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Addr returns the bound address, useful when configured with port 0
func (s *metricsServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *metricsServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	s.logger.Info().Msg("Metrics server stopped")
	return nil
}

func (s *metricsServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.status()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ok",
		"uptime":           status.Uptime.Round(time.Second).String(),
		"model":            status.Model,
		"tools":            status.Tools,
		"running":          status.Running,
		"active_workflows": status.ActiveWorkflows,
	})
}
