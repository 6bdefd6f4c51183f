// Package api serves the dunning HTTP API over the recovery engine.
//
// # Routes
//
// All routes live under /api/v1. Reads need the dunning:read scope and commands need
// dunning:write when authentication is configured.
//
//	GET    /subscriptions?subscriber_id=&state=
//	POST   /subscriptions
//	POST   /subscriptions/advance                      consolidated invoice
//	GET    /subscriptions/{id}
//	POST   /subscriptions/{id}/advance
//	POST   /subscriptions/{id}/cancel
//	POST   /subscriptions/{id}/usage                   {"delta": n}
//	GET    /invoices?subscriber_id=&subscription_id=&state=
//	GET    /invoices/{id}
//	GET    /invoices/{id}/attempts
//	POST   /invoices/{id}/retry
//	POST   /invoices/{id}/fail
//	GET    /issues?subscriber_id=&invoice_id=&state=&unresolved=
//	GET    /issues/{id}
//	GET    /subscribers/{subscriber}/payment-methods
//	POST   /subscribers/{subscriber}/payment-methods
//	PUT    /subscribers/{subscriber}/payment-methods/{method}/default
//	DELETE /subscribers/{subscriber}/payment-methods/{method}
//	GET    /summary?subscriber_id=
//	GET    /subscribers/{subscriber}/summary
//
// Lists answer {"items": [...], "count": n}. Errors answer {"error": msg, "code": code}:
//
//	not_found          404
//	invalid_state      409
//	charge_in_flight   409
//	invalid_argument   400
//	negative_usage     400
//	no_usable_method   422
//
// # Usage
//
//	server := api.NewServer(engine, logger,
//		api.WithMetrics(metrics),
//		api.WithAuth(verifier),
//		api.WithRateLimiter(limiter),
//	)
//	http.ListenAndServe(":8080", server)
package api
