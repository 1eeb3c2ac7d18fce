package handlers

import (
	"context"

	"github.com/mrmushfiq/ai-proxy/internal/gateway/auth"
	"github.com/mrmushfiq/ai-proxy/internal/gateway/security"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	identityKey
	principalKey
)

// RequestIDFromContext returns the id assigned by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// IdentityFromContext returns the reduced client identity.
func IdentityFromContext(ctx context.Context) security.Identity {
	id, ok := ctx.Value(identityKey).(security.Identity)
	if !ok {
		return security.Identity{Network: "unknown", UserAgent: "unknown", Geo: "unknown"}
	}
	return id
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(auth.Principal)
	return p, ok
}
