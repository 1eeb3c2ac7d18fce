// Package ratelimit implements in-process sliding-window rate limiting over
// arbitrary scope keys.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Tier is a named threshold of MaxRequests per Window.
type Tier struct {
	Name        string
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	// Tier names the tier that produced the decision: the denying tier, or
	// the tier with the least headroom when allowed.
	Tier      string
	Limit     int
	Remaining int
	// RetryAfter is set on denial: whole seconds until the window resets.
	RetryAfter int
	// ResetAfter is whole seconds until the current window resets.
	ResetAfter int
}

// Check pairs a scope key with the tier that governs it.
type Check struct {
	Scope string
	Tier  Tier
}

type window struct {
	start      time.Time
	timestamps []time.Time
}

// Limiter tracks one window per scope key. Windows are never removed; their
// number is bounded by the cardinality of scope keys.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndRecord checks scope against tier and, if allowed, records the
// request.
func (l *Limiter) CheckAndRecord(scope string, tier Tier) Decision {
	return l.CheckAll([]Check{{Scope: scope, Tier: tier}})
}

// CheckAll evaluates every check in order and admits the request only if all
// of them allow it. The first denying check determines the result. Requests
// are recorded only on admission, so a denial by a later tier does not
// consume quota in an earlier one. The whole sequence is atomic with respect
// to other callers.
func (l *Limiter) CheckAll(checks []Check) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windows := make([]*window, len(checks))
	for i, c := range checks {
		w := l.prepare(c.Scope, c.Tier, now)
		if len(w.timestamps) >= c.Tier.MaxRequests {
			reset := secondsUntilReset(w, c.Tier, now)
			return Decision{
				Tier:       c.Tier.Name,
				Limit:      c.Tier.MaxRequests,
				RetryAfter: reset,
				ResetAfter: reset,
			}
		}
		windows[i] = w
	}

	d := Decision{Allowed: true, Remaining: math.MaxInt}
	for i, c := range checks {
		w := windows[i]
		w.timestamps = append(w.timestamps, now)
		if remaining := c.Tier.MaxRequests - len(w.timestamps); remaining < d.Remaining {
			d.Tier = c.Tier.Name
			d.Limit = c.Tier.MaxRequests
			d.Remaining = remaining
			d.ResetAfter = secondsUntilReset(w, c.Tier, now)
		}
	}
	if len(checks) == 0 {
		d.Remaining = 0
	}
	return d
}

// prepare returns the window for scope after applying the hard reset and
// pruning stale timestamps. Callers must hold l.mu.
func (l *Limiter) prepare(scope string, tier Tier, now time.Time) *window {
	w, ok := l.windows[scope]
	if !ok {
		w = &window{start: now}
		l.windows[scope] = w
	}

	if now.Sub(w.start) > tier.Window {
		w.timestamps = w.timestamps[:0]
		w.start = now
	}

	// A timestamp exactly one window old no longer counts.
	kept := w.timestamps[:0]
	for _, ts := range w.timestamps {
		if now.Sub(ts) < tier.Window {
			kept = append(kept, ts)
		}
	}
	w.timestamps = kept
	return w
}

func secondsUntilReset(w *window, tier Tier, now time.Time) int {
	left := tier.Window - now.Sub(w.start)
	secs := int(math.Ceil(left.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Len reports the number of tracked scopes.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Reset forgets every window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}
