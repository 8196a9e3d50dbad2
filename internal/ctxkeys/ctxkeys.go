// Package ctxkeys carries request-scoped identity values through contexts
// without exposing the key types.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	tenantIDKey  contextKey = "tenant_id"
)

// WithRequestID stores the request correlation id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request correlation id, if set.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTenantID stores the authenticated tenant identity.
func WithTenantID(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenant)
}

// TenantID returns the authenticated tenant identity, if set.
func TenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
