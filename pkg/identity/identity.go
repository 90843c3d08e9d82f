package identity

import (
	"context"
	"errors"
	"strings"
)

var ErrMissingUserContext = errors.New("missing user context")

// CallerContext is the authenticated identity bound to one request. It is
// derived from trusted upstream headers or the request body, passed by value
// through every guard and query, and never persisted.
type CallerContext struct {
	UserID       string   `json:"userId"`
	Username     string   `json:"username,omitempty"`
	Roles        []string `json:"roles"`
	Email        string   `json:"email,omitempty"`
	DepartmentID string   `json:"departmentId,omitempty"`
	ManagerID    string   `json:"managerId,omitempty"`
}

// Validate rejects callers with no identity or no roles. Both constitute a
// request-level failure, never a retryable one.
func (c CallerContext) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return ErrMissingUserContext
	}
	if len(c.normalizedRoles()) == 0 {
		return ErrMissingUserContext
	}
	return nil
}

// NormalizedRoles returns the caller's roles lowercased, trimmed and deduplicated.
func (c CallerContext) NormalizedRoles() []string {
	return c.normalizedRoles()
}

func (c CallerContext) normalizedRoles() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(c.Roles))
	for _, r := range c.Roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// HasRole reports whether the caller holds any of the given roles.
func (c CallerContext) HasRole(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range c.normalizedRoles() {
		set[r] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

type contextKey string

const callerContextKey contextKey = "opsgate.caller"

func WithCaller(ctx context.Context, c CallerContext) context.Context {
	return context.WithValue(ctx, callerContextKey, c)
}

func CallerFromContext(ctx context.Context) (CallerContext, bool) {
	v := ctx.Value(callerContextKey)
	if v == nil {
		return CallerContext{}, false
	}
	c, ok := v.(CallerContext)
	return c, ok
}
