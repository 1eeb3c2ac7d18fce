package models

import "time"

// GatewayLog represents a request log entry. It never holds prompt text or
// a full client address.
type GatewayLog struct {
	ID            int64
	RequestID     string
	ClientNetwork string
	UserID        *string
	Fingerprint   string
	Provider      string
	Model         string
	CacheHit      bool
	Attempts      int
	LatencyMs     int
	TotalTokens   int
	StatusCode    int
	ErrorKind     *string
	CreatedAt     time.Time
}
