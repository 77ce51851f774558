package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey type for context keys to avoid collisions
type ContextKey string

const (
	// OperatorKey is the context key for the authenticated operator
	OperatorKey ContextKey = "operator"
	// ClaimsKey is the context key for JWT claims
	ClaimsKey ContextKey = "jwt_claims"
)

// Middleware provides HTTP middleware functions
type Middleware struct {
	jwtAuth *JWTAuth
	noAuth  bool // no secret configured: read endpoints are open
	logger  zerolog.Logger
}

// NewMiddleware creates a new middleware instance
func NewMiddleware(jwtAuth *JWTAuth, noAuth bool, logger zerolog.Logger) *Middleware {
	return &Middleware{
		jwtAuth: jwtAuth,
		noAuth:  noAuth,
		logger:  logger,
	}
}

// AuthRequired middleware requires valid JWT authentication
func (m *Middleware) AuthRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.noAuth {
			next(w, r.WithContext(context.WithValue(r.Context(), OperatorKey, "anonymous")))
			return
		}

		claims, ok := m.authenticate(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(withClaims(r.Context(), claims)))
	}
}

// AdminRequired middleware requires admin privileges.
// Admin endpoints are never open, even without a secret.
func (m *Middleware) AdminRequired(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.noAuth {
			m.writeError(w, "Admin access requires a configured secret", http.StatusUnauthorized)
			return
		}

		claims, ok := m.authenticate(w, r)
		if !ok {
			return
		}
		if !claims.IsAdmin {
			m.writeError(w, "Admin privileges required", http.StatusForbidden)
			return
		}
		next(w, r.WithContext(withClaims(r.Context(), claims)))
	}
}

func (m *Middleware) authenticate(w http.ResponseWriter, r *http.Request) (*JWTClaims, bool) {
	token := m.extractToken(r)
	if token == "" {
		m.writeError(w, "Authorization header required", http.StatusUnauthorized)
		return nil, false
	}
	claims, err := m.jwtAuth.ValidateToken(token)
	if err != nil {
		m.writeError(w, "Invalid token: "+err.Error(), http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func withClaims(ctx context.Context, claims *JWTClaims) context.Context {
	ctx = context.WithValue(ctx, OperatorKey, claims.Operator)
	return context.WithValue(ctx, ClaimsKey, claims)
}

// ContentType middleware sets the content type to JSON
func (m *Middleware) ContentType(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next(w, r)
	}
}

// statusRecorder remembers the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging middleware logs HTTP requests
func (m *Middleware) Logging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		m.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("admin request")
	}
}

// Recovery middleware recovers from panics and returns 500 error
func (m *Middleware) Recovery(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("admin handler panicked")
				m.writeError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// extractToken extracts the JWT token from the Authorization header
func (m *Middleware) extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	return strings.TrimPrefix(authHeader, "Bearer ")
}

// writeError writes an error response as JSON
func (m *Middleware) writeError(w http.ResponseWriter, message string, statusCode int) {
	writeError(w, message, statusCode)
}

// GetOperator extracts the operator from the request context
func GetOperator(r *http.Request) string {
	if operator, ok := r.Context().Value(OperatorKey).(string); ok {
		return operator
	}
	return ""
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
