package handlers

import (
	"context"

	"github.com/infergate/infergate/internal/ctxkeys"
)

// TenantFromContext returns the authenticated tenant identity set by the
// auth middleware.
func TenantFromContext(ctx context.Context) (string, bool) {
	return ctxkeys.TenantID(ctx)
}
