package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries identity and tracing information for the lifetime
// of an authenticated request. It is immutable after construction.
type RequestContext struct {
	SubjectID      string
	Email          string
	OrganizationID string
	Roles          []string
	Claims         map[string]any
	CorrelationID  string
	TraceID        string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.OrganizationID == "" {
		errs = append(errs, fmt.Errorf("OrganizationID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
