package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("summercoat.metrics")

// Endpoints served by Server.
const (
	DefaultMetricsAddr = ":9090"
	DefaultMetricsPath = "/metrics"
	DefaultHealthPath  = "/health"
	DefaultReadyPath   = "/ready"
)

// ErrServerRunning is returned by Start on a server which already listens.
var ErrServerRunning = errors.New("metrics server already running")

// Server exposes a Metrics set in Prometheus text format, plus health and
// readiness of the machine it reports on.
type Server struct {
	addr    string
	metrics *Metrics
	health  *HealthChecker

	mu       sync.RWMutex
	srv      *http.Server
	listener net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMetrics sets the metrics the server exposes.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithHealthChecker sets the checker behind /health and /ready.
func WithHealthChecker(h *HealthChecker) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// NewServer creates a stopped server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{addr: DefaultMetricsAddr}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = DefaultMetrics()
	}
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return ErrServerRunning
	}

	mux := http.NewServeMux()
	mux.HandleFunc(DefaultMetricsPath, s.handleMetrics)
	mux.HandleFunc(DefaultHealthPath, s.handleHealth)
	mux.HandleFunc(DefaultReadyPath, s.handleReady)

	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.srv = srv
	s.listener = l

	log.Infof("Metrics server listening on %s", l.Addr())
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting for in-flight scrapes until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.srv != nil
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeMetrics(w, r, s.metrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	status := &HealthStatus{Healthy: true, Ready: true, Timestamp: time.Now().UTC()}
	if s.health != nil {
		status = s.health.GetStatus()
	}
	writeJSON(w, status.Healthy, status)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	ready := s.health == nil || s.health.IsReady()
	writeJSON(w, ready, map[string]any{
		"ready":     ready,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// MetricsHandler serves m in Prometheus text format, for mounting on an
// existing mux.
func MetricsHandler(m *Metrics) http.Handler {
	if m == nil {
		m = DefaultMetrics()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMetrics(w, r, m)
	})
}

func writeMetrics(w http.ResponseWriter, r *http.Request, m *Metrics) {
	if !allowGet(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprint(w, m.Format())
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, ok bool, body any) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warningf("encode status: %v", err)
	}
}
