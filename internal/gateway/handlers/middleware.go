package handlers

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrmushfiq/ai-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/security"
	"github.com/mrmushfiq/ai-proxy/internal/shared/logger"
)

const maxRequestIDLength = 128

type Middleware struct {
	gate     *security.Gate
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewMiddleware creates the HTTP middleware set. A nil verifier disables
// bearer authentication.
func NewMiddleware(gate *security.Gate, verifier *auth.Verifier, l *zap.Logger) *Middleware {
	return &Middleware{
		gate:     gate,
		verifier: verifier,
		logger:   logger.OrNop(l),
	}
}

// RequestIDMiddleware echoes a sane X-Request-ID or assigns a new UUID.
func (m *Middleware) RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityMiddleware attaches the privacy-reduced client identity.
func (m *Middleware) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.gate.ExtractClientIdentity(r.RemoteAddr, r.Header)
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthMiddleware validates an optional bearer token. Requests without one
// pass through anonymously; a present but invalid token is rejected.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if m.verifier == nil || header == "" {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := m.verifier.FromHeader(header)
		if err != nil {
			m.logger.Info("rejected bearer token",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.Error(err),
			)
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:     "invalid or expired token",
				Timestamp: time.Now().UTC(),
				RequestID: RequestIDFromContext(r.Context()),
			})
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Cache, X-Request-ID, X-Response-Time, Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// AccessLogMiddleware logs one line per request. Only the reduced client
// network is logged.
func (m *Middleware) AccessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("network", IdentityFromContext(r.Context()).Network),
		)
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
