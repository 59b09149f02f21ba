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

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/api/middleware"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/crm"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/pipeline"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/reconcile"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/storage"
)

const serviceName = "stagetracker"

type (
	// Ingestor accepts notifications from the webhook endpoint.
	Ingestor interface {
		Submit(n ingestion.Notification) (pipeline.SubmitStatus, error)
		MarkIgnored()
		Process(ctx context.Context, n ingestion.Notification) (*ingestion.Result, error)
		Stats() pipeline.Stats
	}

	// Reconciler exposes the reconciliation poller.
	Reconciler interface {
		Trigger() error
		Stats() reconcile.Stats
	}

	// TransitionReader reads recorded history and reports store health.
	TransitionReader interface {
		History(ctx context.Context, entityID string) ([]*ingestion.Transition, error)
		HealthCheck(ctx context.Context) error
	}

	// StoreSummarizer reports table-level counts for the status endpoint.
	StoreSummarizer interface {
		Summary(ctx context.Context) (*storage.StoreSummary, error)
	}

	// WebhookAdmin manages CRM webhook subscriptions.
	WebhookAdmin interface {
		ListWebhooks(ctx context.Context) ([]*crm.Webhook, error)
		RegisterWebhook(ctx context.Context, event ingestion.EventKind, callbackURL string) (*crm.Webhook, error)
		RegisterAll(ctx context.Context, callbackURL string) ([]*crm.Webhook, error)
		DeleteWebhook(ctx context.Context, id int64) error
	}

	// Dependencies are the runtime collaborators of the server. Ingestor and Transitions are
	// required; the others disable their endpoints when nil.
	Dependencies struct {
		Ingestor    Ingestor
		Transitions TransitionReader
		Reconciler  Reconciler
		Summarizer  StoreSummarizer
		Webhooks    WebhookAdmin
		AdminKeys   storage.AdminKeyStore
		RateLimiter middleware.RateLimiter
		Logger      *slog.Logger
		Version     string

		// Closers are closed in order after the HTTP server stops.
		Closers []NamedCloser
	}

	// NamedCloser is a resource released during shutdown.
	NamedCloser struct {
		Name   string
		Closer func(ctx context.Context) error
	}

	// Server represents the HTTP API server.
	Server struct {
		httpServer *http.Server
		handler    http.Handler
		logger     *slog.Logger
		config     *ServerConfig
		deps       Dependencies
		startTime  time.Time
		now        func() time.Time
	}
)

// ErrMissingDependency is returned when a required dependency is nil.
var ErrMissingDependency = errors.New("missing server dependency")

// NewServer wires routes and the middleware chain. It does not listen until Start.
func NewServer(cfg *ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Ingestor == nil {
		return nil, fmt.Errorf("%w: ingestor", ErrMissingDependency)
	}

	if deps.Transitions == nil {
		return nil, fmt.Errorf("%w: transitions", ErrMissingDependency)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	if deps.Version == "" {
		deps.Version = "dev"
	}

	server := &Server{
		logger:    logger.With(slog.String("component", "api")),
		config:    cfg,
		deps:      deps,
		startTime: time.Now(),
		now:       time.Now,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	if deps.AdminKeys != nil {
		logger.Info("Operator API enabled")
	} else {
		logger.Warn("No admin keys configured - operator API disabled")
	}

	if deps.RateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	if cfg.WebhookSecret == "" {
		logger.Warn("STAGETRACKER_WEBHOOK_SECRET not set - webhook signatures are not verified")
	}

	// Order: correlation id, recovery, admin auth, rate limit (per admin key), request log.
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAdminAuth(deps.AdminKeys, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return server, nil
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until SIGINT/SIGTERM or a listener error.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(stop)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting stage tracker API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
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
		s.closeDependencies(context.Background())

		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

		return s.Shutdown()
	}
}

// Shutdown stops accepting requests, waits for in-flight ones and then closes every
// dependency closer and the rate limiter.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	var shutdownErr error

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependencies(ctx)

	if shutdownErr == nil {
		s.logger.Info("Server shutdown completed successfully")
	}

	return shutdownErr
}

func (s *Server) closeDependencies(ctx context.Context) {
	for _, c := range s.deps.Closers {
		s.logger.Info("Closing " + c.Name)

		if err := c.Closer(ctx); err != nil {
			s.logger.Error("Failed to close "+c.Name, slog.String("error", err.Error()))
		}
	}

	if limiter, ok := s.deps.RateLimiter.(io.Closer); ok {
		if err := limiter.Close(); err != nil {
			s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
		}
	}
}
