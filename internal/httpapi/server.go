// Package httpapi exposes the broker capability set over HTTP. Each route
// maps to exactly one backend call.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tathienbao/exec-gateway/internal/broker"
	"github.com/tathienbao/exec-gateway/internal/journal"
)

// Title is returned by the index route.
const Title = "Execution Gateway API"

// Backends looks up a broker backend by name.
type Backends interface {
	Get(name string) (broker.Backend, error)
}

// Option configures a Server.
type Option func(*Server)

// WithJournal exposes recent dispatch journal entries under /journal.
func WithJournal(j journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// Server serves the HTTP routes.
type Server struct {
	addr     string
	backends Backends
	journal  journal.Journal
	logger   *slog.Logger
	router   *gin.Engine
}

// NewServer builds the router.
func NewServer(addr string, backends Backends, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8000"
	}
	s := &Server{
		addr:     addr,
		backends: backends,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	s.routes(router)
	s.router = router
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, Title)
	})

	api := r.Group("/api/:broker")
	api.POST("/quote", s.handleQuote)
	api.GET("/quote/:exchange/:contractId", s.handleQuoteByID)
	api.GET("/fills", s.handleFills)
	api.POST("/order", s.handlePlaceOrder)
	api.POST("/order/:orderId/cancel", s.handleCancelOrder)
	api.POST("/historicalData", s.handleHistoricalData)
	api.POST("/validate-contract", s.handleValidateContract)
	api.POST("/contract-id", s.handleContractID)
	api.POST("/currentMinuteBarOpen/:exchange/:contractId", s.handleCurrentMinuteBarOpen)
	api.GET("/closePositions", s.handleClosePositions)
	api.GET("/positions", s.handlePositions)
	api.GET("/trades", s.handleTrades)
	api.GET("/accountSummary", s.handleAccountSummary)

	if s.journal != nil {
		r.GET("/journal", s.handleJournal)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("http api listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ip", c.ClientIP(),
			"duration", time.Since(start),
		)
	}
}
