package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/platinummonkey/hookd/pkg/httputil"
	"github.com/platinummonkey/hookd/pkg/observability"
	"github.com/platinummonkey/hookd/pkg/ratelimit"
)

// RateLimitMiddleware throttles management requests per tenant, falling back
// to the client address for requests without a tenant. Limiter errors fail open.
func RateLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + getClientIP(r)
			tenantID := observability.GetTenantID(r.Context())
			if tenantID == "" {
				tenantID = strings.TrimSpace(r.Header.Get(HeaderTenantID))
			}
			if tenantID != "" {
				key = "tenant:" + tenantID
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Warn("Rate limiter unavailable")
				allowed = true
			}
			if !allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", 1))
				httputil.WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getClientIP(r *http.Request) string {
	// Check X-Forwarded-For header (if behind proxy)
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
