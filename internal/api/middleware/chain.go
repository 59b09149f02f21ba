// Package middleware provides the HTTP middleware used by the stage tracker API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/storage"
)

// Option wraps a handler with one middleware.
type Option func(http.Handler) http.Handler

// Apply wraps handler with options. The first option is the outermost layer, so it sees the
// request first and the response last.
//
//	handler := middleware.Apply(mux,
//	    middleware.WithCorrelationID(),
//	    middleware.WithRecovery(logger),
//	    middleware.WithAdminAuth(keys, logger),
//	    middleware.WithRateLimit(limiter, logger),
//	    middleware.WithRequestLogger(logger),
//	)
func Apply(handler http.Handler, options ...Option) http.Handler {
	for i := len(options) - 1; i >= 0; i-- {
		if options[i] != nil {
			handler = options[i](handler)
		}
	}

	return handler
}

// WithCorrelationID assigns or propagates X-Correlation-ID.
func WithCorrelationID() Option {
	return CorrelationID()
}

// WithRecovery turns handler panics into 500 problem responses.
func WithRecovery(logger *slog.Logger) Option {
	return Recovery(logger)
}

// WithAdminAuth guards the operator endpoints. With a nil store every operator endpoint
// answers 403.
func WithAdminAuth(store storage.AdminKeyStore, logger *slog.Logger) Option {
	return AuthenticateAdmin(store, logger)
}

// WithRateLimit throttles requests per admin key, or as one unauthenticated pool.
// A nil limiter disables it.
func WithRateLimit(limiter RateLimiter, logger *slog.Logger) Option {
	if limiter == nil {
		return nil
	}

	return RateLimit(limiter, logger)
}

// WithRequestLogger logs every completed request.
func WithRequestLogger(logger *slog.Logger) Option {
	return RequestLogger(logger)
}
