package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/config"
	"github.com/T-SLP/fub-stage-tracker-sub000/internal/ingestion"
)

// PostgreSQL error codes the store classifies.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqAdminShutdown        = "57P01"
	pqCannotConnectNow     = "57P03"
	pqConnectionClass      = "08"
)

type (
	// RetryPolicy bounds how often a failed unit of work is replayed.
	RetryPolicy struct {
		// MaxAttempts counts the first try, so 1 disables retries.
		MaxAttempts     int
		InitialInterval time.Duration
		MaxInterval     time.Duration
	}

	// RetryingStore replays whole units of work that fail with a transient database error
	// (lost connection, serialization failure, deadlock). Non-transient errors and context
	// cancellation are returned immediately.
	RetryingStore struct {
		inner  ingestion.Store
		policy RetryPolicy
		logger *slog.Logger
	}
)

// DefaultRetryPolicy returns the policy used when nothing is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultRetryMaxAttempts,
		InitialInterval: defaultRetryInitialInterval,
		MaxInterval:     defaultRetryMaxInterval,
	}
}

// NewRetryingStore wraps inner with policy. An invalid policy falls back to the default.
func NewRetryingStore(inner ingestion.Store, policy RetryPolicy) *RetryingStore {
	if policy.Validate() != nil {
		policy = DefaultRetryPolicy()
	}

	return &RetryingStore{
		inner:  inner,
		policy: policy,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("STAGETRACKER_LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// WithEntityLock runs the locked unit of work, replaying it on transient failures.
func (s *RetryingStore) WithEntityLock(
	ctx context.Context,
	entityID string,
	fn func(ctx context.Context, tx ingestion.EntityTx) error,
) error {
	return s.retry(ctx, "with_entity_lock", entityID, func() error {
		return s.inner.WithEntityLock(ctx, entityID, fn)
	})
}

// History reads the entity history, replaying it on transient failures.
func (s *RetryingStore) History(ctx context.Context, entityID string) ([]*ingestion.Transition, error) {
	var history []*ingestion.Transition

	err := s.retry(ctx, "history", entityID, func() error {
		var err error

		history, err = s.inner.History(ctx, entityID)

		return err
	})

	return history, err
}

// HealthCheck is not retried: readiness probes must observe failures as they happen.
func (s *RetryingStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

// Close closes the wrapped store when it supports it.
func (s *RetryingStore) Close() error {
	if closer, ok := s.inner.(interface{ Close() error }); ok {
		return closer.Close()
	}

	return nil
}

func (s *RetryingStore) retry(ctx context.Context, operation, entityID string, fn func() error) error {
	return Retry(ctx, s.policy, func(err error, wait time.Duration) {
		s.logger.Warn("transient store error, retrying",
			slog.String("operation", operation),
			slog.String("entity_id", entityID),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}, fn)
}

// Retry runs fn until it succeeds, fails with a non-transient error, the policy is exhausted
// or ctx is done. notify, when non-nil, is called before each wait.
func Retry(ctx context.Context, policy RetryPolicy, notify func(error, time.Duration), fn func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()

	maxRetries := policy.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)

	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}

		if !IsTransientError(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	return backoff.RetryNotify(operation, b, notify)
}

// IsTransientError reports whether err is worth replaying: connection loss (Class 08),
// serialization failures, deadlocks and server restarts.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)

		switch code {
		case pqSerializationFailure, pqDeadlockDetected, pqAdminShutdown, pqCannotConnectNow:
			return true
		}

		return strings.HasPrefix(code, pqConnectionClass)
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}

	return false
}
