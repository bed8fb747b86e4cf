package model

import (
	"context"
	"strings"
)

// RequestContext identifies the portal user behind an HTTP call together with
// the ids that tie the call to logs and traces. The auth middleware builds it
// once per call; everything downstream only reads it.
type RequestContext struct {
	// SubjectID is the directory user id taken from the token.
	SubjectID string
	Email     string
	Name      string
	Roles     []string

	CorrelationID string
	TraceID       string
	SpanID        string
}

// MissingClaims names the identity claims the token did not supply.
func (rc *RequestContext) MissingClaims() []string {
	var missing []string
	if rc.SubjectID == "" {
		missing = append(missing, "subject")
	}
	if rc.Email == "" {
		missing = append(missing, "email")
	}
	return missing
}

// Validate returns an UNAUTHORIZED envelope naming every missing identity
// claim, or nil.
func (rc *RequestContext) Validate() error {
	missing := rc.MissingClaims()
	if len(missing) == 0 {
		return nil
	}
	return NewUnauthorizedError("token is missing identity claims: " + strings.Join(missing, ", "))
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rc.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the caller stored in ctx, or nil outside
// authenticated routes.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
