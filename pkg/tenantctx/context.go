// Package tenantctx carries the resolved tenant identity through a request.
package tenantctx

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// TenantContextKey is the request context key for the active tenant ID.
type TenantContextKey struct{}

type roleContextKey struct{}

// WithTenantID stores the tenant ID in the context.
func WithTenantID(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, TenantContextKey{}, tenantID)
}

// WithCallerRole stores the caller's resolved role in the context.
func WithCallerRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleContextKey{}, role)
}

// CallerRole returns the caller role from context, if set.
func CallerRole(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	role, ok := ctx.Value(roleContextKey{}).(string)
	return role, ok
}

// TenantIDFromContext returns the tenant ID from context, if set. Upstream
// layers store the value in different shapes, so the getter is type-tolerant.
func TenantIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	value := ctx.Value(TenantContextKey{})
	if value != nil {
		if id, ok := coerceID(value); ok {
			return id, true
		}
	}

	raw := ctx.Value("tenant_id")
	if raw == nil {
		return 0, false
	}
	return coerceID(raw)
}

func coerceID(value any) (snowflake.ID, bool) {
	switch typed := value.(type) {
	case int64:
		return snowflake.ID(typed), true
	case snowflake.ID:
		return typed, true
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, true
		}
	}
	return 0, false
}
