// Package middleware provides HTTP middleware for tenant resolution and
// inbound rate limiting of the management API.
//
// # Middleware Components
//
// TenantMiddleware: requires X-Tenant-ID and stores it in the request context
//
//	api.Use(middleware.TenantMiddleware)
//	tenantID := middleware.TenantID(r)
//
// RateLimitMiddleware: per-tenant throttling over any ratelimit.Limiter
//
//	limiter := ratelimit.NewRedisLimiter(redisClient, 600, time.Minute, "hookd:api")
//	api.Use(middleware.RateLimitMiddleware(limiter))
//
// # Related Packages
//
//   - pkg/ratelimit: token bucket and Redis limiters
//   - pkg/observability: context keys for tenant and request ids
package middleware
