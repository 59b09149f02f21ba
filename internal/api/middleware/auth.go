package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/T-SLP/fub-stage-tracker-sub000/internal/storage"
)

// AdminPathPrefix marks the operator endpoints. Everything else is public or signed.
const AdminPathPrefix = "/api/v1/admin/"

var (
	// ErrMissingAdminKey is returned when an operator request carries no key.
	ErrMissingAdminKey = errors.New("missing admin key")

	// ErrInvalidAdminKey is returned when the key matches no configured hash.
	ErrInvalidAdminKey = errors.New("invalid admin key")

	// ErrAdminDisabled is returned when no admin keys are configured.
	ErrAdminDisabled = errors.New("operator API disabled")
)

// dummyHash keeps the rejection path as slow as a real comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("stagetracker-dummy-key"), bcrypt.MinCost) //nolint: gochecknoglobals

type (
	// AuthError describes an authentication failure.
	AuthError struct {
		Type    error
		Message string
	}

	// AdminContext is attached to authenticated operator requests.
	AdminContext struct {
		KeyID    string
		AuthTime time.Time
	}

	adminContextKey struct{}
)

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication failed: %s: %s", e.Type.Error(), e.Message)
	}

	return "authentication failed: " + e.Type.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Type
}

// GetAdminContext returns the operator identity of an authenticated request.
func GetAdminContext(ctx context.Context) (AdminContext, bool) {
	adminCtx, ok := ctx.Value(adminContextKey{}).(AdminContext)

	return adminCtx, ok
}

// SetAdminContext attaches an operator identity to ctx.
func SetAdminContext(ctx context.Context, adminCtx AdminContext) context.Context {
	return context.WithValue(ctx, adminContextKey{}, adminCtx)
}

// IsAdminPath reports whether path is an operator endpoint.
func IsAdminPath(path string) bool {
	return strings.HasPrefix(path, AdminPathPrefix)
}

// AuthenticateAdmin requires a valid admin key on operator endpoints and passes every other
// request through untouched. Keys come from X-Api-Key or an Authorization bearer token.
func AuthenticateAdmin(store storage.AdminKeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsAdminPath(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			if store == nil {
				writeAuthError(w, r, logger, &AuthError{Type: ErrAdminDisabled})

				return
			}

			authStart := time.Now()

			apiKey, found := extractAPIKey(r)
			if !found {
				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrMissingAdminKey,
					Message: "Missing API key",
				})

				return
			}

			key, ok := store.Authenticate(r.Context(), apiKey)
			if !ok {
				_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(apiKey))

				writeAuthError(w, r, logger, &AuthError{
					Type:    ErrInvalidAdminKey,
					Message: "Invalid or missing API key",
				})

				return
			}

			adminCtx := AdminContext{KeyID: key.ID, AuthTime: time.Now()}

			logger.Info("admin key authenticated",
				slog.String("key_id", key.ID),
				slog.String("key", storage.MaskKey(apiKey)),
				slog.Duration("auth_latency", time.Since(authStart)),
				slog.String("correlation_id", GetCorrelationID(r.Context())),
				slog.String("endpoint", r.URL.Path),
			)

			next.ServeHTTP(w, r.WithContext(SetAdminContext(r.Context(), adminCtx)))
		})
	}
}

func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return validateAPIKey(token)
	}

	return "", false
}

func validateAPIKey(key string) (string, bool) {
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)

	return key, key != ""
}

func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	correlationID := GetCorrelationID(r.Context())

	statusCode := http.StatusUnauthorized
	if errors.Is(err, ErrAdminDisabled) {
		statusCode = http.StatusForbidden
	}

	logger.Warn("Authentication failed",
		slog.String("reason", err.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("endpoint", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if statusCode == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="stagetracker"`)
	}

	detail := err.Error()
	if err := writeRFC7807Error(w, r, statusCode, detail, correlationID); err != nil {
		logger.Error("failed to write response with RFC 7807 error format",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)

		http.Error(w, detail, statusCode)
	}
}
