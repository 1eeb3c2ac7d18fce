package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mrmushfiq/ai-proxy/internal/gateway"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/ratelimit"
	"github.com/mrmushfiq/ai-proxy/internal/shared/logger"
	"github.com/mrmushfiq/ai-proxy/internal/shared/models"
)

const (
	maxBodyBytes   = 1 << 20
	requestLogWait = 5 * time.Second
)

// RequestLogger persists request log entries. *database.DB implements it.
type RequestLogger interface {
	LogRequest(ctx context.Context, log *models.GatewayLog) error
}

type AIHandler struct {
	gateway    *gateway.Gateway
	requestLog RequestLogger
	logger     *zap.Logger
	validate   *validator.Validate
}

// NewAIHandler creates the /api/ai handler. requestLog may be nil.
func NewAIHandler(gw *gateway.Gateway, requestLog RequestLogger, l *zap.Logger) *AIHandler {
	return &AIHandler{
		gateway:    gw,
		requestLog: requestLog,
		logger:     logger.OrNop(l),
		validate:   validator.New(),
	}
}

type aiRequest struct {
	Prompt  string           `json:"prompt" validate:"required"`
	Options *gateway.Options `json:"options,omitempty"`
}

type aiResponse struct {
	Success      bool   `json:"success"`
	Data         string `json:"data"`
	Cached       bool   `json:"cached"`
	ResponseTime int64  `json:"responseTime"`
	Model        string `json:"model,omitempty"`
	RequestID    string `json:"requestId"`
}

type errorBody struct {
	Success    bool      `json:"success"`
	Error      string    `json:"error"`
	Suggestion string    `json:"suggestion,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"requestId,omitempty"`
}

// HandleGenerate handles POST /api/ai
func (h *AIHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	requestID := RequestIDFromContext(ctx)
	identity := IdentityFromContext(ctx)
	principal, _ := PrincipalFromContext(ctx)

	// Parse request
	var body aiRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.fail(w, r, startTime, &gateway.Error{Kind: gateway.KindValidation, Message: "invalid request body", Timestamp: time.Now(), Err: err})
		return
	}
	if err := h.validate.Struct(body); err != nil {
		h.fail(w, r, startTime, &gateway.Error{Kind: gateway.KindValidation, Message: "prompt is required", Timestamp: time.Now(), Err: err})
		return
	}

	res, err := h.gateway.Handle(ctx, gateway.Request{
		Prompt:    body.Prompt,
		Options:   body.Options,
		Identity:  identity,
		UserID:    principal.UserID,
		Premium:   principal.Premium,
		RequestID: requestID,
	})
	if err != nil {
		// The gateway logs its own failures
		var gwErr *gateway.Error
		if !errors.As(err, &gwErr) {
			h.logger.Error("request failed",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
			gwErr = &gateway.Error{Kind: gateway.KindInternal, Message: "Internal server error", Timestamp: time.Now(), Err: err}
		}
		h.fail(w, r, startTime, gwErr)
		return
	}

	elapsed := time.Since(startTime)

	// Set headers
	cacheHeader := "MISS"
	if res.Cached {
		cacheHeader = "HIT"
	}
	w.Header().Set("X-Cache", cacheHeader)
	w.Header().Set("X-Response-Time", strconv.FormatInt(elapsed.Milliseconds(), 10)+"ms")
	setRateLimitHeaders(w, res.RateLimit)

	writeJSON(w, http.StatusOK, aiResponse{
		Success:      true,
		Data:         res.Data.Text,
		Cached:       res.Cached,
		ResponseTime: elapsed.Milliseconds(),
		Model:        res.Data.Model,
		RequestID:    requestID,
	})

	h.logRequest(r, requestLogEntry{
		status:      http.StatusOK,
		elapsed:     elapsed,
		fingerprint: res.Fingerprint,
		cached:      res.Cached,
		attempts:    res.Attempts,
		provider:    res.Provider,
		model:       res.Data.Model,
		tokens:      res.Data.Usage.TotalTokens,
	})
}

func (h *AIHandler) fail(w http.ResponseWriter, r *http.Request, startTime time.Time, gwErr *gateway.Error) {
	status := StatusCode(gwErr.Kind)
	elapsed := time.Since(startTime)

	w.Header().Set("X-Response-Time", strconv.FormatInt(elapsed.Milliseconds(), 10)+"ms")
	if gwErr.RateLimit != nil {
		setRateLimitHeaders(w, *gwErr.RateLimit)
		w.Header().Set("Retry-After", strconv.Itoa(gwErr.RateLimit.RetryAfter))
	}

	writeJSON(w, status, errorBody{
		Error:      gwErr.Message,
		Suggestion: gwErr.Suggestion,
		RetryAfter: gwErr.RetryAfter(),
		Timestamp:  gwErr.Timestamp.UTC(),
		RequestID:  RequestIDFromContext(r.Context()),
	})

	kind := gwErr.Kind.String()
	h.logRequest(r, requestLogEntry{
		status:    status,
		elapsed:   elapsed,
		attempts:  gwErr.Attempts,
		errorKind: &kind,
	})
}

// StatusCode maps an error kind to its HTTP status.
func StatusCode(kind gateway.ErrorKind) int {
	switch kind {
	case gateway.KindValidation:
		return http.StatusBadRequest
	case gateway.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(d.ResetAfter))
}

type requestLogEntry struct {
	status      int
	elapsed     time.Duration
	fingerprint string
	cached      bool
	attempts    int
	provider    string
	model       string
	tokens      int
	errorKind   *string
}

// logRequest writes the request log entry asynchronously.
func (h *AIHandler) logRequest(r *http.Request, e requestLogEntry) {
	if h.requestLog == nil {
		return
	}

	ctx := r.Context()
	entry := &models.GatewayLog{
		RequestID:     RequestIDFromContext(ctx),
		ClientNetwork: IdentityFromContext(ctx).Network,
		Fingerprint:   shortFingerprint(e.fingerprint),
		Provider:      e.provider,
		Model:         e.model,
		CacheHit:      e.cached,
		Attempts:      e.attempts,
		LatencyMs:     int(e.elapsed.Milliseconds()),
		TotalTokens:   e.tokens,
		StatusCode:    e.status,
		ErrorKind:     e.errorKind,
	}
	if p, ok := PrincipalFromContext(ctx); ok {
		entry.UserID = &p.UserID
	}

	// Log asynchronously to avoid blocking
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestLogWait)
		defer cancel()
		if err := h.requestLog.LogRequest(ctx, entry); err != nil {
			h.logger.Warn("failed to write request log",
				zap.String("request_id", entry.RequestID),
				zap.Error(err),
			)
		}
	}()
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
