package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/ai-proxy/internal/gateway"
	"github.com/mrmushfiq/ai-proxy/internal/shared/logger"
	"github.com/mrmushfiq/ai-proxy/internal/shared/models"
)

const recentRequestLimit = 20

// RequestHistory reads back the request log. *database.DB implements it.
type RequestHistory interface {
	RecentLogs(ctx context.Context, limit int) ([]models.GatewayLog, error)
}

type StatusHandler struct {
	gateway *gateway.Gateway
	history RequestHistory
	logger  *zap.Logger
}

// NewStatusHandler creates the health and status handlers. history may be
// nil.
func NewStatusHandler(gw *gateway.Gateway, history RequestHistory, l *zap.Logger) *StatusHandler {
	return &StatusHandler{gateway: gw, history: history, logger: logger.OrNop(l)}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
}

// recentRequest is the public view of a request log entry. The client
// network and user id stay out of it.
type recentRequest struct {
	RequestID  string    `json:"requestId"`
	StatusCode int       `json:"statusCode"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	CacheHit   bool      `json:"cacheHit"`
	Attempts   int       `json:"attempts"`
	LatencyMs  int       `json:"latencyMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

type statusResponse struct {
	gateway.Status
	RecentRequests []recentRequest `json:"recentRequests,omitempty"`
}

// HandleHealth handles GET /api/health
func (h *StatusHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   gateway.Version,
		Uptime:    h.gateway.Uptime().Round(time.Second).String(),
	})
}

// HandleStatus handles GET /api/status
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: h.gateway.Status()}

	if h.history != nil {
		logs, err := h.history.RecentLogs(r.Context(), recentRequestLimit)
		if err != nil {
			// The snapshot is still useful without the history
			h.logger.Warn("failed to read request log",
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.Error(err),
			)
		}
		for _, l := range logs {
			rr := recentRequest{
				RequestID:  l.RequestID,
				StatusCode: l.StatusCode,
				CacheHit:   l.CacheHit,
				Attempts:   l.Attempts,
				LatencyMs:  l.LatencyMs,
				CreatedAt:  l.CreatedAt.UTC(),
			}
			if l.ErrorKind != nil {
				rr.ErrorKind = *l.ErrorKind
			}
			resp.RecentRequests = append(resp.RecentRequests, rr)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
