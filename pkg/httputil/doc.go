// Package httputil provides HTTP utilities for standardized request/response handling
// in the dunning API.
//
// # Responses
//
//	httputil.WriteSuccess(w, invoice)
//	httputil.WriteList(w, attempts) // {"items": [...], "count": n}
//	httputil.WriteCodedError(w, http.StatusConflict, "invalid_state", err.Error())
//
// # Request Parsing
//
//	var req UsageRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.PathStringOrError(w, r, "id")
//	states := httputil.ParseQueryList(r, "state")
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware,
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// # Related Packages
//
//   - pkg/middleware: Authentication and rate limiting
//   - pkg/api: Dunning API handlers
package httputil
