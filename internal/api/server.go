package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/s2report/ingestor/internal/api/middleware"
	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/ingestion"
	"github.com/s2report/ingestor/internal/storage"
	"github.com/s2report/ingestor/internal/topology"
)

// Version is reported by /ping and /health. Overridden at build time with
// -ldflags "-X github.com/s2report/ingestor/internal/api.Version=...".
var Version = "dev" //nolint:gochecknoglobals // set by the linker

type (
	// Ingester runs one upload through the ingestion engine.
	Ingester interface {
		Ingest(ctx context.Context, batch ingestion.Batch) (*ingestion.Result, error)
	}

	// UploadLister reads upload history.
	UploadLister interface {
		ListUploads(ctx context.Context, limit int) ([]ingestion.UploadRecord, error)
	}

	// AuditReader reads the persisted audit trail.
	AuditReader interface {
		Recent(ctx context.Context, actionPrefix string, limit int) ([]audit.Entry, error)
	}

	// PartitionLister reports the partition tables that exist.
	PartitionLister interface {
		ListPartitions(ctx context.Context) ([]string, error)
	}

	// HealthChecker verifies a storage backend is reachable.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies are the runtime collaborators of the server. Every field is
	// optional: a nil dependency disables the endpoints that need it.
	Dependencies struct {
		Ingester    Ingester
		Uploads     UploadLister
		Audit       AuditReader
		Partitions  PartitionLister
		Health      HealthChecker
		Topology    *topology.Topology
		Operators   storage.OperatorStore
		RateLimiter middleware.RateLimiter
		// Closers are released after the HTTP server stops.
		Closers []io.Closer
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer *http.Server
		logger     *slog.Logger
		config     *ServerConfig
		deps       Dependencies
		startTime  time.Time
	}
)

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Configuration (what) is kept apart from dependencies (how): cfg carries ports,
// timeouts and CORS settings; deps carries stores, the engine and the limiter.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger: logger,
		config: cfg,
		deps:   deps,
	}

	server.setupRoutes(mux)

	if deps.Operators != nil {
		logger.Info("Operator authentication middleware enabled")
	} else {
		logger.Warn("OperatorStore not configured - operator authentication middleware disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. OperatorAuth - identify the operator and set OperatorContext (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithOperatorAuth(deps.Operators, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.CORSPolicy()),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting ingestor API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Int64("max_upload_size", s.config.MaxUploadSize),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Stop the rate limiter's background cleanup goroutine.
	if limiter, ok := s.deps.RateLimiter.(io.Closer); ok {
		if err := limiter.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}

	for _, closer := range s.deps.Closers {
		if err := closer.Close(); err != nil {
			s.logger.Error("Failed to release dependency", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
