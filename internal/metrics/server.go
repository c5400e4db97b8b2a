package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tathienbao/exec-gateway/internal/broker"
)

// Check statuses. Anything other than StatusHealthy fails the gateway.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// ServerConfig holds the listen port and paths of the probe server.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
}

// DefaultServerConfig returns the gateway's default probe endpoints.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check is the outcome of one named health check.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (c Check) healthy() bool { return c.Status == StatusHealthy }

// HealthChecker evaluates one part of the gateway.
type HealthChecker func() Check

// BackendsCheck reports unhealthy while any backend returned by list is
// disconnected. Backends not yet created are not checked.
func BackendsCheck(list func() []broker.Backend) HealthChecker {
	return func() Check {
		var down []string
		for _, b := range list() {
			if b.State() != broker.StateConnected {
				down = append(down, b.Name())
			}
		}
		if len(down) > 0 {
			return Check{Status: StatusUnhealthy, Message: "disconnected: " + strings.Join(down, ", ")}
		}
		return Check{Status: StatusHealthy}
	}
}

// Server serves Prometheus metrics next to the gateway's health, readiness
// and liveness probes. Readiness fails while any registered check fails,
// so an orchestrator stops routing strategies to a gateway whose brokers
// are down.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	handler    http.Handler
	startTime  time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewServer creates a probe server. It does not listen until Start.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultServerConfig()
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = def.MetricsPath
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = def.HealthPath
	}

	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
		checkers:  make(map[string]HealthChecker),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)

	s.handler = mux
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// RegisterHealthCheck adds or replaces the check stored under name.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens in the background. Listen errors are logged.
func (s *Server) Start() error {
	s.logger.Info("probe server listening",
		"port", s.cfg.Port,
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("probe server failed", "err", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("probe server stopping")
	return s.httpServer.Shutdown(ctx)
}

// evaluate runs every check outside the lock and returns the results with
// the sorted names of the failing ones.
func (s *Server) evaluate() (map[string]Check, []string) {
	s.mu.RLock()
	checkers := make(map[string]HealthChecker, len(s.checkers))
	for k, v := range s.checkers {
		checkers[k] = v
	}
	s.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	var failing []string
	for name, checker := range checkers {
		c := checker()
		checks[name] = c
		if !c.healthy() {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return checks, failing
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	checks, failing := s.evaluate()
	uptime := s.Uptime()
	UptimeSeconds.Set(uptime.Seconds())

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    uptime.String(),
		Checks:    checks,
	}
	w.Header().Set("Content-Type", "application/json")
	if len(failing) > 0 {
		status.Status = StatusUnhealthy
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// readyHandler names the failing checks so an operator can tell which
// broker is holding the gateway out of rotation.
func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if _, failing := s.evaluate(); len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(failing, ", ")))
		return
	}
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) liveHandler(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("alive"))
}

func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
