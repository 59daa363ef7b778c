// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// Every management API response is an Envelope:
//
//	{"success": true, "data": {...}}
//	{"success": false, "error": "Not Found", "message": "subscription abc: not found"}
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, sub)
//	httputil.WriteCreated(w, event)
//	httputil.WriteBadRequest(w, "limit must be between 1 and 100")
//	httputil.WriteError(w, http.StatusConflict, err)
//
// # Request Parsing
//
//	var in CreateSubscriptionInput
//	if !httputil.ParseJSONOrError(w, r, &in) {
//		return // Error response already written
//	}
//
//	limit, offset, err := httputil.ParsePagination(r)
//	events := httputil.ParseQueryList(r, "events")
//	active, err := httputil.ParseQueryBoolPtr(r, "isActive")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: tenant resolution
package httputil
