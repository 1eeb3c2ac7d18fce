package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mrmushfiq/ai-proxy/internal/gateway"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/auth"
)

// RouterConfig holds what NewRouter wires together.
type RouterConfig struct {
	Gateway         *gateway.Gateway
	Verifier        *auth.Verifier
	// RequestLog also feeds /api/status when it implements RequestHistory.
	RequestLog      RequestLogger
	Logger          *zap.Logger
	MetricsGatherer prometheus.Gatherer
	// RequestTimeout bounds each request; it should exceed the worst-case
	// upstream retry sequence.
	RequestTimeout  time.Duration
}

// NewRouter builds the HTTP surface:
//
//	POST /api/ai      generate text
//	GET  /api/health  liveness
//	GET  /api/status  state snapshot
//	GET  /metrics     Prometheus exposition
func NewRouter(cfg RouterConfig) http.Handler {
	mw := NewMiddleware(cfg.Gateway.Gate, cfg.Verifier, cfg.Logger)
	aiHandler := NewAIHandler(cfg.Gateway, cfg.RequestLog, cfg.Logger)
	history, _ := cfg.RequestLog.(RequestHistory)
	statusHandler := NewStatusHandler(cfg.Gateway, history, cfg.Logger)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware. CORS answers preflight requests for every path.
	r.Use(mw.RequestIDMiddleware)
	r.Use(mw.IdentityMiddleware)
	r.Use(mw.AccessLogMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORSMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", statusHandler.HandleHealth)
		r.Get("/status", statusHandler.HandleStatus)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(timeout))
			r.Use(mw.AuthMiddleware)
			r.Post("/ai", aiHandler.HandleGenerate)
		})
	})

	if cfg.MetricsGatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	}

	return r
}
