// Package gateway composes the request pipeline: input validation, tiered
// rate limiting, the fingerprint cache and the upstream orchestrator, in
// that order, with output sanitization before a fresh result is cached.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mrmushfiq/ai-proxy/internal/gateway/cache"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/credentials"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/ratelimit"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/security"
	"github.com/mrmushfiq/ai-proxy/internal/shared/logger"
	"github.com/mrmushfiq/ai-proxy/internal/shared/metrics"
)

// Version is reported by the status and health endpoints.
var Version = "1.0.0"

// Invoker calls the upstream model. *providers.Orchestrator implements it.
type Invoker interface {
	Invoke(ctx context.Context, req providers.GenerateRequest) (*providers.Result, error)
}

// Options are the client-supplied generation options. They take part in
// the cache fingerprint.
type Options struct {
	GenerationConfig map[string]any `json:"generationConfig,omitempty"`
}

// Request is one inbound generate request.
type Request struct {
	Prompt    string
	Options   *Options
	Identity  security.Identity
	UserID    string
	Premium   bool
	RequestID string
}

// Response is the payload returned to clients and stored in the cache.
type Response struct {
	Text         string          `json:"text"`
	Model        string          `json:"model,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Usage        providers.Usage `json:"usage"`
}

// Result is a successful Handle outcome.
type Result struct {
	Data         Response
	Cached       bool
	ResponseTime time.Duration
	Attempts     int
	Provider     string
	RateLimit    ratelimit.Decision
	Fingerprint  string
	RequestID    string
}

// Components are the pipeline stages. All are required.
type Components struct {
	Gate        *security.Gate
	Limiter     *ratelimit.Limiter
	Plan        ratelimit.Plan
	Cache       *cache.Cache[Response]
	Upstream    Invoker
	Credentials *credentials.Rotator
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMetrics records request outcomes and rate-limit denials.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway is safe for concurrent use. Each stage guards its own state; no
// lock is held across stages.
type Gateway struct {
	Components

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	started time.Time
	flight  singleflight.Group
}

// New wires the pipeline.
func New(c Components, opts ...Option) (*Gateway, error) {
	switch {
	case c.Gate == nil:
		return nil, errors.New("gateway: security gate is required")
	case c.Limiter == nil:
		return nil, errors.New("gateway: rate limiter is required")
	case c.Cache == nil:
		return nil, errors.New("gateway: cache is required")
	case c.Upstream == nil:
		return nil, errors.New("gateway: upstream is required")
	case c.Credentials == nil:
		return nil, errors.New("gateway: credential rotator is required")
	}

	g := &Gateway{Components: c, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logger.OrNop(g.logger)
	g.started = g.now()
	return g, nil
}

// Handle runs req through the pipeline. A failure at any stage stops the
// pipeline and is returned as an *Error. Panics are recovered and reported
// as KindInternal.
func (g *Gateway) Handle(ctx context.Context, req Request) (res *Result, err error) {
	start := g.now()

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("panic in request pipeline",
				zap.String("request_id", req.RequestID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			res, err = nil, internalError(fmt.Errorf("panic: %v", r), g.now())
		}
		g.observe(res, err, start)
	}()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, validationError("prompt is required", start)
	}
	if v := g.Gate.ValidateInput(req.Prompt); !v.Valid {
		return nil, validationError(v.Reason, start)
	}

	decision := g.Limiter.CheckAll(g.Plan.Checks(req.Identity.Network, req.UserID, req.Premium))
	if !decision.Allowed {
		g.metrics.RecordRateLimitDenial(decision.Tier)
		g.logger.Info("rate limit exceeded",
			zap.String("request_id", req.RequestID),
			zap.String("tier", decision.Tier),
			zap.String("network", req.Identity.Network),
			zap.Int("retry_after", decision.RetryAfter),
		)
		return nil, rateLimitedError(decision, start)
	}

	fp, fpErr := cache.Fingerprint(req.Prompt, req.Options)
	if fpErr != nil {
		g.logger.Warn("fingerprint failed, bypassing cache",
			zap.String("request_id", req.RequestID),
			zap.Error(fpErr),
		)
	}

	if fp != "" {
		if data, ok := g.Cache.Get(ctx, fp); ok {
			return &Result{
				Data:         data,
				Cached:       true,
				ResponseTime: g.now().Sub(start),
				RateLimit:    decision,
				Fingerprint:  fp,
				RequestID:    req.RequestID,
			}, nil
		}
	}

	genReq := providers.GenerateRequest{Prompt: req.Prompt}
	if req.Options != nil {
		genReq.GenerationConfig = req.Options.GenerationConfig
	}

	out, invokeErr := g.fetch(ctx, fp, genReq)
	if invokeErr != nil {
		gwErr := upstreamError(invokeErr, out.attempts, g.now())
		g.logger.Error("upstream call failed",
			zap.String("request_id", req.RequestID),
			zap.Stringer("kind", gwErr.Kind),
			zap.Int("attempts", out.attempts),
			zap.Error(invokeErr),
		)
		return nil, gwErr
	}

	return &Result{
		Data:         out.data,
		ResponseTime: g.now().Sub(start),
		Attempts:     out.attempts,
		Provider:     out.provider,
		RateLimit:    decision,
		Fingerprint:  fp,
		RequestID:    req.RequestID,
	}, nil
}

type fetched struct {
	data     Response
	attempts int
	provider string
}

// fetch calls upstream, sanitizes the completion and caches it. Concurrent
// misses for the same fingerprint share one upstream call. The shared call
// is detached from the caller's cancellation so one disconnecting client
// does not fail the others; per-attempt timeouts still bound it. A caller
// whose context ends stops waiting without stopping the shared call.
func (g *Gateway) fetch(ctx context.Context, fp string, req providers.GenerateRequest) (fetched, error) {
	call := func(ctx context.Context) (fetched, error) {
		out, err := g.Upstream.Invoke(ctx, req)
		if err != nil {
			f := fetched{}
			if out != nil {
				f.attempts = out.Attempts
			}
			return f, err
		}

		f := fetched{
			data: Response{
				Text:         g.Gate.SanitizeOutput(out.Completion.Text),
				Model:        out.Completion.Model,
				FinishReason: out.Completion.FinishReason,
				Usage:        out.Completion.Usage,
			},
			attempts: out.Attempts,
			provider: out.Provider,
		}
		if fp != "" {
			g.Cache.Put(ctx, fp, f.data)
		}
		return f, nil
	}

	if fp == "" {
		return call(ctx)
	}

	ch := g.flight.DoChan(fp, func() (any, error) {
		return call(context.WithoutCancel(ctx))
	})
	select {
	case r := <-ch:
		f, _ := r.Val.(fetched)
		return f, r.Err
	case <-ctx.Done():
		return fetched{}, &providers.Failure{
			Kind:       providers.KindCanceled,
			Message:    "request canceled",
			Suggestion: providers.Suggest(providers.KindCanceled, ""),
			Err:        ctx.Err(),
		}
	}
}

func (g *Gateway) observe(res *Result, err error, start time.Time) {
	d := g.now().Sub(start)
	if err != nil {
		outcome := KindInternal.String()
		var gwErr *Error
		if errors.As(err, &gwErr) {
			outcome = gwErr.Kind.String()
		}
		g.metrics.RecordRequest(outcome, false, d)
		return
	}
	g.metrics.RecordRequest("success", res.Cached, d)
}

// Reset clears the cache, every rate-limit window and the rotator state.
func (g *Gateway) Reset() {
	g.Cache.Clear()
	g.Limiter.Reset()
	g.Credentials.Reset()
	g.logger.Info("gateway state reset")
}

// TierStatus describes one configured rate-limit tier.
type TierStatus struct {
	Name          string `json:"name"`
	MaxRequests   int    `json:"maxRequests"`
	WindowSeconds int    `json:"windowSeconds"`
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	Status            string       `json:"status"`
	Version           string       `json:"version"`
	Uptime            string       `json:"uptime"`
	CacheSize         int          `json:"cacheSize"`
	CacheCapacity     int          `json:"cacheCapacity"`
	Credentials       int          `json:"credentials"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
	RateLimitScopes   int          `json:"rateLimitScopes"`
	Tiers             []TierStatus `json:"tiers"`
	Timestamp         time.Time    `json:"timestamp"`
}

// Status reports the current state of each stage.
func (g *Gateway) Status() Status {
	now := g.now()
	tiers := make([]TierStatus, 0, 4)
	for _, t := range []ratelimit.Tier{g.Plan.IP, g.Plan.User, g.Plan.Global, g.Plan.Premium} {
		tiers = append(tiers, TierStatus{
			Name:          t.Name,
			MaxRequests:   t.MaxRequests,
			WindowSeconds: int(t.Window / time.Second),
		})
	}

	return Status{
		Status:            "operational",
		Version:           Version,
		Uptime:            g.Uptime().Round(time.Second).String(),
		CacheSize:         g.Cache.Len(),
		CacheCapacity:     g.Cache.Capacity(),
		Credentials:       g.Credentials.Size(),
		ConsecutiveErrors: g.Credentials.ConsecutiveErrors(),
		RateLimitScopes:   g.Limiter.Len(),
		Tiers:             tiers,
		Timestamp:         now.UTC(),
	}
}

// Uptime is the time since New.
func (g *Gateway) Uptime() time.Duration {
	return g.now().Sub(g.started)
}
