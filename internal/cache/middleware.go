package cache

import (
	"net/http"

	"github.com/harborcrm/harbor/internal/auth"
	"github.com/harborcrm/harbor/internal/observability"
)

// statusRecorder captures the status code written by the wrapped
// handler so invalidation can run after the response is materialized.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// InvalidationMiddleware wraps a write endpoint for the given module.
// The wrapped handler always runs; on a successful response (status
// below 400) with a resolvable tenant, the module's tenant namespace is
// invalidated exactly once, and the dashboard namespace too when the
// module is a CRM entity. Error responses never invalidate.
//
// Tenant resolution precedence: request-context tenant id, then the
// authenticated caller's tenant, then the tenant_id query parameter.
func InvalidationMiddleware(c *TenantCache, module string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status >= 400 {
				return
			}

			tenantUUID := resolveTenant(r)
			if tenantUUID == "" {
				return
			}

			ctx := r.Context()
			c.InvalidateTenant(ctx, tenantUUID, module)
			if IsCRMEntity(module) {
				c.InvalidateDashboard(ctx, tenantUUID)
			}
		})
	}
}

func resolveTenant(r *http.Request) string {
	if id := observability.GetTenantID(r.Context()); id != "" {
		return id
	}
	if caller, err := auth.CallerFromContext(r.Context()); err == nil && caller.TenantUUID != "" {
		return caller.TenantUUID
	}
	return r.URL.Query().Get("tenant_id")
}
