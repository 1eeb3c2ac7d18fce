package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/ai-proxy/internal/gateway/providers"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/ratelimit"
)

// ErrorKind is the class of a failed request.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindRateLimited
	KindCredential
	KindTransientUpstream
	KindMalformedUpstream
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindCredential:
		return "credential"
	case KindTransientUpstream:
		return "transient_upstream"
	case KindMalformedUpstream:
		return "malformed_upstream"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Error is returned by Handle for every failed request. Message and
// Suggestion are safe to show to clients; Err holds the internal cause and
// must not leave the process.
type Error struct {
	Kind       ErrorKind
	Message    string
	Suggestion string
	// RateLimit is set for KindRateLimited.
	RateLimit *ratelimit.Decision
	Attempts  int
	Timestamp time.Time
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// RetryAfter returns the retry hint in seconds, or 0.
func (e *Error) RetryAfter() int {
	if e.RateLimit == nil {
		return 0
	}
	return e.RateLimit.RetryAfter
}

const (
	msgInternal    = "Internal server error"
	msgUnavailable = "AI service temporarily unavailable"
	msgMalformed   = "AI service returned an invalid response"
)

func validationError(reason string, now time.Time) *Error {
	return &Error{Kind: KindValidation, Message: reason, Timestamp: now}
}

func rateLimitedError(d ratelimit.Decision, now time.Time) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", d.RetryAfter),
		Suggestion: "Slow down and retry after the indicated delay.",
		RateLimit:  &d,
		Timestamp:  now,
	}
}

func internalError(err error, now time.Time) *Error {
	return &Error{Kind: KindInternal, Message: msgInternal, Timestamp: now, Err: err}
}

// upstreamError maps a classified upstream failure onto the taxonomy.
// Rejected and unclassified upstream responses are not retryable and are
// reported with malformed responses.
func upstreamError(err error, attempts int, now time.Time) *Error {
	e := &Error{Attempts: attempts, Timestamp: now, Err: err}

	var f *providers.Failure
	if !errors.As(err, &f) {
		e.Kind = KindInternal
		e.Message = msgInternal
		return e
	}

	e.Suggestion = f.Suggestion
	switch {
	case f.Kind == providers.KindCredential:
		e.Kind = KindCredential
		e.Message = msgUnavailable
	case f.Kind.Transient(), f.Kind == providers.KindCanceled:
		e.Kind = KindTransientUpstream
		e.Message = msgUnavailable
	default:
		e.Kind = KindMalformedUpstream
		e.Message = msgMalformed
	}
	return e
}
