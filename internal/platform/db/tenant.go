package db

import (
	"context"
	"errors"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

type contextKey string

// TenantIDKey carries the active tenant (bucket) identifier through a
// request's context. A request is bound to exactly one tenant for its whole
// lifetime; nothing downstream may switch it.
const TenantIDKey contextKey = "tenant_id"

// ErrNoTenant is returned when a database operation runs without a tenant
// bound to the request context. Downstream components convert it to an
// invalid-request outcome.
var ErrNoTenant = errors.New("no tenant bound to request")

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// TenantMiddleware binds the :tenant path segment into the request context.
// Requests with a malformed tenant identifier are rejected before any
// database work happens.
func TenantMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := c.Param("tenant")
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := context.WithValue(c.Request().Context(), TenantIDKey, tenantID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

// TenantFromContext returns the tenant bound to the request, or ErrNoTenant
// when the context carries none.
func TenantFromContext(ctx context.Context) (string, error) {
	tid, _ := ctx.Value(TenantIDKey).(string)
	if tid == "" {
		return "", ErrNoTenant
	}
	return tid, nil
}

// WithTenant returns a context bound to the given tenant. Used by the CLI
// and by tests; HTTP requests are bound by TenantMiddleware.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}
