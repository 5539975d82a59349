package model

import (
	"context"
	"errors"
	"fmt"
)

// Caller identifies who requested an invocation. It is immutable after
// construction and safe for concurrent reads.
type Caller struct {
	SubjectID     string
	TenantID      string
	CorrelationID string
	Claims        map[string]any
}

// Validate checks that all mandatory fields are present.
func (c *Caller) Validate() error {
	var errs []error
	if c.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if c.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Identity returns the stable owner identity stored on invocation records.
func (c *Caller) Identity() string {
	return c.TenantID + "/" + c.SubjectID
}

// Claim returns the value of the given claim key, or nil if not present.
func (c *Caller) Claim(key string) any {
	if c.Claims == nil {
		return nil
	}
	return c.Claims[key]
}

type contextKey struct{}

// WithCaller attaches a Caller to the given context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// CallerFrom extracts the Caller from the context, or returns nil if not
// present.
func CallerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(contextKey{}).(*Caller)
	return c
}
