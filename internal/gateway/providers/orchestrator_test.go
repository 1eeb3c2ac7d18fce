package providers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/mrmushfiq/ai-proxy/internal/gateway/credentials"
)

type scriptedUpstream struct {
	mu   sync.Mutex
	keys []string
	fn   func(ctx context.Context, call int, key string) (*Completion, error)
}

func (s *scriptedUpstream) Generate(ctx context.Context, apiKey string, _ GenerateRequest) (*Completion, error) {
	s.mu.Lock()
	s.keys = append(s.keys, apiKey)
	call := len(s.keys)
	s.mu.Unlock()
	return s.fn(ctx, call, apiKey)
}

func (s *scriptedUpstream) GetProviderName() string { return "scripted" }

func (s *scriptedUpstream) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func noJitter(time.Duration) time.Duration { return 0 }

func newTestOrchestrator(t *testing.T, up Upstream, keys []string, cfg Config, opts ...OrchestratorOption) (*Orchestrator, *credentials.Rotator, *sleepRecorder) {
	t.Helper()
	rot, err := credentials.NewRotator(keys)
	require.NoError(t, err)
	rec := &sleepRecorder{}
	opts = append([]OrchestratorOption{WithSleep(rec.Sleep), WithJitter(noJitter)}, opts...)
	return NewOrchestrator(up, rot, cfg, opts...), rot, rec
}

func textCompletion(text string) *Completion { return &Completion{Text: text} }

func TestInvoke_SuccessFirstAttempt(t *testing.T) {
	up := &scriptedUpstream{fn: func(context.Context, int, string) (*Completion, error) {
		return textCompletion("hi"), nil
	}}
	o, rot, rec := newTestOrchestrator(t, up, []string{"a", "b"}, DefaultConfig())

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Completion.Text)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "scripted", res.Provider)
	assert.Equal(t, 0, rot.ConsecutiveErrors())
	assert.Empty(t, rec.delays)
}

func TestInvoke_TransientFailuresUseExactBudget(t *testing.T) {
	up := &scriptedUpstream{fn: func(context.Context, int, string) (*Completion, error) {
		return nil, &Failure{Kind: KindServer, Status: http.StatusServiceUnavailable, Message: "unavailable"}
	}}
	o, _, rec := newTestOrchestrator(t, up, []string{"a", "b", "c"}, DefaultConfig())

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindServer, f.Kind)
	assert.NotEmpty(t, f.Suggestion)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, up.Keys(), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays, "no wait after the final attempt")
}

func TestInvoke_RecoversAfterTransientFailure(t *testing.T) {
	up := &scriptedUpstream{fn: func(_ context.Context, call int, _ string) (*Completion, error) {
		if call == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return textCompletion("second time lucky"), nil
	}}
	o, rot, rec := newTestOrchestrator(t, up, []string{"a"}, DefaultConfig())

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 0, rot.ConsecutiveErrors())
	assert.Len(t, rec.delays, 1)
}

func TestInvoke_CredentialFailureRotatesWithoutDelay(t *testing.T) {
	up := &scriptedUpstream{fn: func(_ context.Context, _ int, key string) (*Completion, error) {
		if key == "c" {
			return textCompletion("from c"), nil
		}
		return nil, &Failure{Kind: KindCredential, Status: http.StatusUnauthorized, Message: "API key not valid"}
	}}
	o, rot, rec := newTestOrchestrator(t, up, []string{"a", "b", "c"}, DefaultConfig())

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "from c", res.Completion.Text)
	assert.Equal(t, []string{"a", "c"}, up.Keys(), "one failure skips ahead by one")
	assert.Empty(t, rec.delays)
	assert.Equal(t, 0, rot.ConsecutiveErrors())
}

func TestInvoke_CredentialFailuresCappedByPoolSize(t *testing.T) {
	up := &scriptedUpstream{fn: func(context.Context, int, string) (*Completion, error) {
		return nil, &Failure{Kind: KindCredential, Status: http.StatusForbidden, Message: "forbidden"}
	}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 10
	o, _, rec := newTestOrchestrator(t, up, []string{"a", "b"}, cfg)

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindCredential, f.Kind)
	assert.Contains(t, f.Suggestion, "contact support")
	assert.Equal(t, 2, res.Attempts)
	assert.ElementsMatch(t, []string{"a", "b"}, up.Keys(), "each key is tried once")
	assert.Empty(t, rec.delays)
}

func TestInvoke_MalformedAbortsImmediately(t *testing.T) {
	up := &scriptedUpstream{fn: func(context.Context, int, string) (*Completion, error) {
		return nil, &Failure{Kind: KindMalformed, Status: http.StatusOK, Message: "failed to parse response"}
	}}
	o, _, rec := newTestOrchestrator(t, up, []string{"a", "b"}, DefaultConfig())

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindMalformed, f.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, rec.delays)
}

func TestInvoke_NilCompletionIsMalformed(t *testing.T) {
	up := &scriptedUpstream{fn: func(context.Context, int, string) (*Completion, error) {
		return nil, nil
	}}
	o, _, _ := newTestOrchestrator(t, up, []string{"a"}, DefaultConfig())

	_, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindMalformed, f.Kind)
}

func TestInvoke_QuotaBacksOff(t *testing.T) {
	up := &scriptedUpstream{fn: func(_ context.Context, call int, _ string) (*Completion, error) {
		if call < 3 {
			return nil, &Failure{Kind: KindQuota, Status: http.StatusTooManyRequests, Message: "quota exceeded"}
		}
		return textCompletion("done"), nil
	}}
	o, _, rec := newTestOrchestrator(t, up, []string{"a", "b", "c"}, DefaultConfig())

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestInvoke_AttemptTimeoutIsRetried(t *testing.T) {
	up := &scriptedUpstream{fn: func(ctx context.Context, _ int, _ string) (*Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.Timeout = 20 * time.Millisecond
	o, _, rec := newTestOrchestrator(t, up, []string{"a"}, cfg)

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindTimeout, f.Kind)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, rec.delays, 1)
}

func TestInvoke_LateSuccessIsDiscarded(t *testing.T) {
	up := &scriptedUpstream{fn: func(context.Context, int, string) (*Completion, error) {
		time.Sleep(30 * time.Millisecond)
		return textCompletion("too late"), nil
	}}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.Timeout = 5 * time.Millisecond
	o, _, _ := newTestOrchestrator(t, up, []string{"a"}, cfg)

	res, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindTimeout, f.Kind)
	assert.Nil(t, res.Completion)
}

func TestInvoke_CallerCancellationAborts(t *testing.T) {
	up := &scriptedUpstream{fn: func(ctx context.Context, _ int, _ string) (*Completion, error) {
		return nil, ctx.Err()
	}}
	o, _, rec := newTestOrchestrator(t, up, []string{"a"}, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := o.Invoke(ctx, GenerateRequest{Prompt: "p"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindCanceled, f.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, rec.delays)
}

func TestInvoke_PacerDeniesBeyondDeadline(t *testing.T) {
	up := &scriptedUpstream{fn: func(context.Context, int, string) (*Completion, error) {
		return textCompletion("x"), nil
	}}
	pacer := rate.NewLimiter(rate.Every(time.Hour), 1)
	o, _, _ := newTestOrchestrator(t, up, []string{"a"}, DefaultConfig(), WithPacer(pacer))

	_, err := o.Invoke(context.Background(), GenerateRequest{Prompt: "p"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := o.Invoke(ctx, GenerateRequest{Prompt: "p"})
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, KindQuota, f.Kind)
	assert.Equal(t, 0, res.Attempts)
	assert.Len(t, up.Keys(), 1)
}

func TestBackoff(t *testing.T) {
	rot, err := credentials.NewRotator([]string{"a"})
	require.NoError(t, err)
	o := NewOrchestrator(&scriptedUpstream{}, rot, DefaultConfig(),
		WithJitter(func(time.Duration) time.Duration { return 500 * time.Millisecond }))

	assert.Equal(t, 1500*time.Millisecond, o.Backoff(1))
	assert.Equal(t, 2500*time.Millisecond, o.Backoff(2))
	assert.Equal(t, 4500*time.Millisecond, o.Backoff(3))
	assert.Equal(t, 8*time.Second, o.Backoff(4), "capped at MaxDelay")
}

func TestBackoff_UncappedSaturates(t *testing.T) {
	rot, err := credentials.NewRotator([]string{"a"})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.MaxDelay = 0
	o := NewOrchestrator(&scriptedUpstream{}, rot, cfg,
		WithJitter(func(time.Duration) time.Duration { return 0 }))

	assert.Equal(t, 64*time.Second, o.Backoff(7))
	for _, attempt := range []int{35, 64, 2000} {
		assert.Equal(t, time.Duration(math.MaxInt64), o.Backoff(attempt), "attempt %d", attempt)
	}
}

func TestUniformJitterBounds(t *testing.T) {
	assert.Zero(t, uniformJitter(0))
	for i := 0; i < 100; i++ {
		j := uniformJitter(time.Second)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.LessOrEqual(t, j, time.Second)
	}
}
