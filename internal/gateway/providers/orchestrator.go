package providers

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mrmushfiq/ai-proxy/internal/gateway/credentials"
	"github.com/mrmushfiq/ai-proxy/internal/shared/logger"
	"github.com/mrmushfiq/ai-proxy/internal/shared/metrics"
)

// CredentialSource hands out upstream API keys and is told how each use
// went. *credentials.Rotator implements it.
type CredentialSource interface {
	Next() credentials.Credential
	ReportSuccess()
	ReportFailure(kind credentials.FailureKind)
	Size() int
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts   int
	Timeout       time.Duration
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration // zero disables the cap
	MaxJitter     time.Duration
}

// DefaultConfig returns three attempts, a 15s per-attempt timeout and
// 1s·2^n backoff capped at 8s with up to 1s of jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		Timeout:       15 * time.Second,
		BaseDelay:     time.Second,
		BackoffFactor: 2,
		MaxDelay:      8 * time.Second,
		MaxJitter:     time.Second,
	}
}

// Result is the outcome of Invoke. Attempts is set on failure too.
type Result struct {
	Completion *Completion
	Attempts   int
	Provider   string
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets the logger for per-attempt failures.
func WithOrchestratorLogger(l *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorMetrics records attempt outcomes.
func WithOrchestratorMetrics(m *metrics.Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPacer makes every attempt wait for a token from l before calling
// upstream.
func WithPacer(l *rate.Limiter) OrchestratorOption {
	return func(o *Orchestrator) { o.pacer = l }
}

// WithSleep replaces the backoff wait. The function must return early with
// ctx.Err() when ctx ends.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithJitter replaces the uniform jitter source. It receives the configured
// cap.
func WithJitter(jitter func(max time.Duration) time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.jitter = jitter }
}

// Orchestrator calls an Upstream with credential rotation, a per-attempt
// timeout and exponential backoff between retryable failures. It holds no
// lock while waiting.
type Orchestrator struct {
	upstream Upstream
	creds    CredentialSource
	cfg      Config

	logger  *zap.Logger
	metrics *metrics.Metrics
	pacer   *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(max time.Duration) time.Duration
}

// NewOrchestrator creates an orchestrator. Non-positive MaxAttempts and
// Timeout fall back to DefaultConfig values.
func NewOrchestrator(upstream Upstream, creds CredentialSource, cfg Config, opts ...OrchestratorOption) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}

	o := &Orchestrator{
		upstream: upstream,
		creds:    creds,
		cfg:      cfg,
		sleep:    sleepContext,
		jitter:   uniformJitter,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logger.OrNop(o.logger)
	return o
}

// Invoke runs the retry loop. On failure the error is a *Failure whose
// Suggestion is safe to show to end users.
//
// Credential rejections retry at once with the next key and stop after
// every key in the pool has been rejected. Quota, server, timeout and
// network failures retry after Backoff. Anything else aborts.
func (o *Orchestrator) Invoke(ctx context.Context, req GenerateRequest) (*Result, error) {
	res := &Result{Provider: o.upstream.GetProviderName()}

	var last *Failure
	credentialFailures := 0

loop:
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if f := o.pace(ctx); f != nil {
			last = f
			break
		}

		cred := o.creds.Next()
		res.Attempts = attempt

		completion, f := o.attempt(ctx, cred, req)
		if f == nil {
			o.creds.ReportSuccess()
			o.metrics.RecordUpstreamAttempt("success")
			res.Completion = completion
			return res, nil
		}

		last = f
		o.metrics.RecordUpstreamAttempt(f.Kind.String())
		o.logger.Warn("upstream attempt failed",
			zap.String("provider", res.Provider),
			zap.Int("attempt", attempt),
			zap.Int("credential", cred.Index),
			zap.Stringer("kind", f.Kind),
			zap.Int("status", f.Status),
			zap.Error(f),
		)

		switch {
		case f.Kind == KindCredential:
			o.creds.ReportFailure(credentials.FailureCredential)
			credentialFailures++
			if credentialFailures >= o.creds.Size() {
				break loop
			}
			continue
		case f.Kind == KindQuota:
			o.creds.ReportFailure(credentials.FailureQuota)
		case f.Kind.Transient():
			o.creds.ReportFailure(credentials.FailureTransient)
		default:
			break loop
		}

		if attempt == o.cfg.MaxAttempts {
			break
		}
		if err := o.sleep(ctx, o.Backoff(attempt)); err != nil {
			last = canceled(err)
			break
		}
	}

	if last == nil {
		last = &Failure{Kind: KindUnknown, Message: "no attempt was made"}
	}
	last.Suggestion = Suggest(last.Kind, last.Message)
	return res, last
}

// Backoff returns the wait after the given failed attempt (1-based):
// min(base·factor^(attempt-1) + jitter, max).
func (o *Orchestrator) Backoff(attempt int) time.Duration {
	d := float64(o.cfg.BaseDelay) * math.Pow(o.cfg.BackoffFactor, float64(attempt-1))
	if o.cfg.MaxJitter > 0 {
		d += float64(o.jitter(o.cfg.MaxJitter))
	}
	if o.cfg.MaxDelay > 0 && d > float64(o.cfg.MaxDelay) {
		return o.cfg.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// attempt makes one call under its own deadline. A result arriving after
// the deadline is discarded.
func (o *Orchestrator) attempt(ctx context.Context, cred credentials.Credential, req GenerateRequest) (*Completion, *Failure) {
	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	completion, err := o.upstream.Generate(attemptCtx, cred.Key, req)

	if ctx.Err() != nil {
		return nil, canceled(ctx.Err())
	}
	if attemptCtx.Err() != nil {
		return nil, &Failure{Kind: KindTimeout, Message: "upstream call timed out after " + o.cfg.Timeout.String(), Err: attemptCtx.Err()}
	}
	if err != nil {
		return nil, toFailure(err)
	}
	if completion == nil {
		return nil, &Failure{Kind: KindMalformed, Message: "upstream returned no completion"}
	}
	return completion, nil
}

func (o *Orchestrator) pace(ctx context.Context) *Failure {
	if o.pacer == nil {
		return nil
	}
	if err := o.pacer.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return canceled(ctx.Err())
		}
		return &Failure{Kind: KindQuota, Message: "outbound rate limit: " + err.Error(), Err: err}
	}
	return nil
}

func toFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Message: err.Error(), Err: err}
	}
	return &Failure{Kind: KindNetwork, Message: err.Error(), Err: err}
}

func canceled(err error) *Failure {
	return &Failure{Kind: KindCanceled, Message: "request canceled", Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}
