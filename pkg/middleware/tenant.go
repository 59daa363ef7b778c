package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/hookd/pkg/httputil"
	"github.com/platinummonkey/hookd/pkg/observability"
)

// HeaderTenantID names the tenant a management request acts for
const HeaderTenantID = "X-Tenant-ID"

// TenantMiddleware requires the tenant header and stores the tenant in the
// request context
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenantID == "" {
			httputil.WriteBadRequest(w, HeaderTenantID+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(observability.WithTenantID(r.Context(), tenantID)))
	})
}

// OptionalTenantMiddleware stores the tenant when the header is present
func OptionalTenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID)); tenantID != "" {
			r = r.WithContext(observability.WithTenantID(r.Context(), tenantID))
		}
		next.ServeHTTP(w, r)
	})
}

// TenantID returns the tenant stored by TenantMiddleware
func TenantID(r *http.Request) string {
	return observability.GetTenantID(r.Context())
}
