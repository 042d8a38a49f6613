// Package api exposes the collector's HTTP surface: sample ingestion, fleet
// views for the dashboard, and the remote command channel.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bc-dunia/fleetmon/internal/otel"
	"github.com/bc-dunia/fleetmon/internal/storage"
)

// maxBodyBytes caps request bodies; a full ingest batch of process lists
// stays well under this.
const maxBodyBytes = 10 << 20

// Server is the collector's HTTP server.
type Server struct {
	engine   storage.Engine
	tracer   *otel.Tracer
	metrics  *otel.Metrics
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
	running  bool
	addr     string
}

// NewServer creates a Server on addr backed by the given engine. A nil logger
// discards output.
func NewServer(addr string, engine storage.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		engine:  engine,
		logger:  logger,
		metrics: otel.NoopMetrics(),
		addr:    addr,
	}
}

// SetTracer attaches a tracer whose middleware wraps every route.
// Must be called before Start.
func (s *Server) SetTracer(t *otel.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

// SetMetrics attaches pipeline metrics. Must be called before Start.
func (s *Server) SetMetrics(m *otel.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m != nil {
		s.metrics = m
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/metrics", s.handleIngest)
	mux.HandleFunc("/api/v1/machines", s.handleListMachines)
	mux.HandleFunc("/api/v1/machines/", s.routeMachines)
	mux.HandleFunc("/api/v1/commands/", s.routeCommands)
	mux.HandleFunc("/healthz", s.handleHealthz)

	var handler http.Handler = mux
	if s.tracer != nil {
		handler = otel.Middleware(s.tracer)(handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running = true

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server_failed", "error", err.Error())
		}
	}()

	s.logger.Info("api_listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s", s.Addr())
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response_encode_failed", "error", err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}
