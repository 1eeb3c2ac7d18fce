package providers

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindCredential: the API key was rejected. Retried at once with the
	// next credential.
	KindCredential
	// KindQuota: quota exhausted or rate limited. Retried after backoff.
	KindQuota
	// KindServer: upstream 5xx. Retried after backoff.
	KindServer
	// KindTimeout: the attempt exceeded its deadline. Retried after backoff.
	KindTimeout
	// KindNetwork: transport failure. Retried after backoff.
	KindNetwork
	// KindMalformed: a 2xx body that could not be understood. Not retried.
	KindMalformed
	// KindRejected: any other 4xx. Not retried.
	KindRejected
	// KindCanceled: the caller's context ended. Not retried.
	KindCanceled
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindCredential: "credential",
	KindQuota:      "quota",
	KindServer:     "server",
	KindTimeout:    "timeout",
	KindNetwork:    "network",
	KindMalformed:  "malformed",
	KindRejected:   "rejected",
	KindCanceled:   "canceled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Transient reports whether k is retried after a backoff delay.
func (k Kind) Transient() bool {
	switch k {
	case KindQuota, KindServer, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// Failure is a classified upstream error. Message may hold raw upstream
// detail and must not be shown to end users; Suggestion is safe to show.
type Failure struct {
	Kind       Kind
	Status     int
	Message    string
	Suggestion string
	Err        error
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("upstream %s failure (status %d): %s", f.Kind, f.Status, f.Message)
	}
	return fmt.Sprintf("upstream %s failure: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify maps an HTTP status and error message to a Kind.
func Classify(status int, message string) Kind {
	msg := strings.ToLower(message)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindCredential
	case strings.Contains(msg, "api_key_invalid") || strings.Contains(msg, "api key not valid"):
		return KindCredential
	case status == http.StatusTooManyRequests,
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "rate limit"):
		return KindQuota
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindRejected
	}
	return KindUnknown
}

const defaultSuggestion = "Try again or contact support."

var suggestions = map[Kind]string{
	KindQuota:      "Try again in a few minutes or rephrase your request.",
	KindCredential: "The service's upstream credentials need attention. Please contact support.",
	KindNetwork:    "Check your connection and try again.",
	KindTimeout:    "The server took too long to respond. Check your connection and try again.",
	KindServer:     "The upstream service is having trouble. Try again shortly.",
	KindCanceled:   "The request was canceled. Try again.",
}

var keywordSuggestions = []struct {
	keyword string
	kind    Kind
}{
	{"quota", KindQuota},
	{"rate limit", KindQuota},
	{"api key", KindCredential},
	{"invalid", KindCredential},
	{"network", KindNetwork},
	{"connection", KindNetwork},
	{"timeout", KindTimeout},
}

// Suggest returns a user-facing hint for a failure. Known kinds map
// directly; unknown ones fall back to keyword matching on message.
func Suggest(kind Kind, message string) string {
	if s, ok := suggestions[kind]; ok {
		return s
	}
	msg := strings.ToLower(message)
	for _, ks := range keywordSuggestions {
		if strings.Contains(msg, ks.keyword) {
			return suggestions[ks.kind]
		}
	}
	return defaultSuggestion
}
