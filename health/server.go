// Package health implements the minimal operational surface spec.md §6
// calls for: a liveness endpoint returning process state and
// per-component stats, a Prometheus /metrics endpoint, and a gRPC
// health.Health service for orchestrators that poll gRPC health rather
// than HTTP.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// PluginStatus is one plugin's liveness summary.
type PluginStatus struct {
	Dir          string `json:"dir"`
	State        string `json:"state"`
	FailureCount int    `json:"failure_count"`
}

// Status is the full process+component snapshot served at /healthz.
type Status struct {
	Plugins        []PluginStatus `json:"plugins"`
	WorkersActive  int            `json:"workers_active"`
	StreamSequence uint64         `json:"stream_sequence"`
}

// StatusFunc produces a fresh Status snapshot on each request.
type StatusFunc func() Status

// Server serves the HTTP liveness/metrics surface and, when GRPCAddr is
// set, a parallel gRPC health.Health service.
type Server struct {
	httpAddr string
	grpcAddr string
	statusFn StatusFunc

	httpServer *http.Server
	grpcServer *grpc.Server
	grpcHealth *health.Server
}

// New creates a Server. grpcAddr may be empty to disable the gRPC
// surface.
func New(httpAddr, grpcAddr string, statusFn StatusFunc) *Server {
	mux := http.NewServeMux()
	s := &Server{
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		statusFn: statusFn,
		httpServer: &http.Server{
			Addr:    httpAddr,
			Handler: mux,
		},
	}
	mux.HandleFunc("/healthz", s.serveHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	if grpcAddr != "" {
		s.grpcHealth = health.NewServer()
		s.grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.grpcHealth)
		s.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return s
}

func (s *Server) serveHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.statusFn())
}

// RunHTTP serves the liveness/metrics listener until Close is called.
func (s *Server) RunHTTP() error {
	l, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.httpAddr)
	}
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "health http server exited unexpectedly")
	}
	return nil
}

// RunGRPC serves the gRPC health listener until Close is called. It is a
// no-op if grpcAddr was empty at construction.
func (s *Server) RunGRPC() error {
	if s.grpcServer == nil {
		return nil
	}
	l, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.grpcAddr)
	}
	return s.grpcServer.Serve(l)
}

// Close shuts down both listeners.
func (s *Server) Close() {
	_ = s.httpServer.Shutdown(context.Background())
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}
