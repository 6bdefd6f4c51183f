// Package middleware provides HTTP middleware for the dunning API: OpenID Connect bearer
// authentication, scope checks, and rate limiting.
//
// # Authentication
//
//	verifier, err := middleware.NewOIDCVerifier(ctx, cfg.API.OIDCIssuer, cfg.API.OIDCAudience)
//	router.Use(middleware.NewAuthMiddleware(verifier, false).Handler)
//
// Tokens carry scopes in the "scope" or "scp" claim. Read endpoints need dunning:read and
// commands need dunning:write:
//
//	router.Handle("/invoices/{id}/retry", middleware.RequireScope(middleware.ScopeWrite, true)(h))
//
// # Rate Limiting
//
// Callers are keyed by token subject, or by client IP when unauthenticated. A single
// instance uses an in-process token bucket; with Redis configured the counters are shared:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "dunning:ratelimit")
//	router.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
//
// Limiter errors let requests through unless SetFailOpen(false) is called.
package middleware
