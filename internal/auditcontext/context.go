package auditcontext

import (
	"context"
	"strings"
)

type actorKey struct{}
type requestIDKey struct{}
type ipAddressKey struct{}
type userAgentKey struct{}
type callIDKey struct{}
type usagePeriodIDKey struct{}

type actor struct {
	Type string
	ID   string
}

// WithActor records who is performing the current request so audit entries
// can attribute it without every call site threading actor arguments.
func WithActor(ctx context.Context, actorType string, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		Type: strings.TrimSpace(actorType),
		ID:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return value.Type, value.ID
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

func WithIPAddress(ctx context.Context, ipAddress string) context.Context {
	return context.WithValue(ctx, ipAddressKey{}, strings.TrimSpace(ipAddress))
}

func IPAddressFromContext(ctx context.Context) string {
	value, _ := ctx.Value(ipAddressKey{}).(string)
	return value
}

func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return context.WithValue(ctx, userAgentKey{}, strings.TrimSpace(userAgent))
}

func UserAgentFromContext(ctx context.Context) string {
	value, _ := ctx.Value(userAgentKey{}).(string)
	return value
}

func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, strings.TrimSpace(callID))
}

func CallIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(callIDKey{}).(string)
	return value
}

func WithUsagePeriodID(ctx context.Context, periodID string) context.Context {
	return context.WithValue(ctx, usagePeriodIDKey{}, strings.TrimSpace(periodID))
}

func UsagePeriodIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(usagePeriodIDKey{}).(string)
	return value
}
