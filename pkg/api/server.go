package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/httputil"
	"github.com/platinummonkey/dunning/pkg/middleware"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/recovery"
	"github.com/platinummonkey/dunning/pkg/retry"
	"github.com/platinummonkey/dunning/pkg/storage"
)

const maxBodyBytes = 1 << 20

// Service is the part of the recovery engine the API exposes. *recovery.Engine
// implements it.
type Service interface {
	ListSubscriptions(ctx context.Context, filter storage.SubscriptionFilter) ([]*billing.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*billing.Subscription, error)
	ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*billing.Invoice, error)
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	ListAttempts(ctx context.Context, invoiceID string) ([]*billing.PaymentAttempt, error)
	ListPaymentMethods(ctx context.Context, subscriberID string) ([]*billing.PaymentMethod, error)
	ListIssues(ctx context.Context, filter storage.IssueFilter) ([]*billing.PaymentIssue, error)
	GetIssue(ctx context.Context, id string) (*billing.PaymentIssue, error)
	Summary(ctx context.Context, subscriberID string) (*recovery.Summary, error)

	CreateSubscription(ctx context.Context, sub *billing.Subscription) (*billing.Subscription, *billing.Invoice, error)
	AdvanceCycle(ctx context.Context, subscriptionID string) (*billing.Subscription, *billing.Invoice, error)
	AdvanceConsolidated(ctx context.Context, subscriptionIDs []string) ([]*billing.Subscription, *billing.Invoice, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error)
	RecordUsage(ctx context.Context, subscriptionID string, delta int64) (*billing.Subscription, error)
	RetryNow(ctx context.Context, invoiceID string) (*retry.Result, error)
	FailInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error)
	SetDefaultMethod(ctx context.Context, subscriberID, methodID string) ([]*billing.PaymentMethod, error)
	AddPaymentMethod(ctx context.Context, method *billing.PaymentMethod, makeDefault bool) (*billing.PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, subscriberID, methodID string) ([]*billing.PaymentMethod, error)
}

var _ Service = (*recovery.Engine)(nil)

// Server serves the dunning HTTP API.
type Server struct {
	service  Service
	logger   *observability.Logger
	metrics  *observability.Metrics
	verifier middleware.TokenVerifier
	limiter  middleware.Limiter
	router   *mux.Router
	handler  http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request counts and latencies per route.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAuth requires a bearer token on every request and enforces read/write scopes.
func WithAuth(v middleware.TokenVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithRateLimiter throttles callers by token subject or client IP.
func WithRateLimiter(l middleware.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// NewServer creates a new API server
func NewServer(service Service, logger *observability.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &Server{
		service: service,
		logger:  logger,
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.MaxBytesMiddleware(maxBodyBytes),
		httputil.ContentTypeMiddleware,
	)(s.router)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteNotFoundError(w, "route not found")
	})

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.traceMiddleware)
	v1.Use(httputil.LoggingMiddleware(s.logger))
	v1.Use(observability.HTTPMetricsMiddleware(s.metrics, routeTemplate))
	if s.verifier != nil {
		v1.Use(middleware.NewAuthMiddleware(s.verifier, false).Handler)
	}
	if s.limiter != nil {
		v1.Use(middleware.NewRateLimitMiddleware(s.limiter, s.logger).Handler)
	}

	read := s.scoped(middleware.ScopeRead)
	write := s.scoped(middleware.ScopeWrite)

	// Subscriptions
	v1.Handle("/subscriptions", read(s.listSubscriptions)).Methods(http.MethodGet)
	v1.Handle("/subscriptions", write(s.createSubscription)).Methods(http.MethodPost)
	v1.Handle("/subscriptions/advance", write(s.advanceConsolidated)).Methods(http.MethodPost)
	v1.Handle("/subscriptions/{id}", read(s.getSubscription)).Methods(http.MethodGet)
	v1.Handle("/subscriptions/{id}/advance", write(s.advanceCycle)).Methods(http.MethodPost)
	v1.Handle("/subscriptions/{id}/cancel", write(s.cancelSubscription)).Methods(http.MethodPost)
	v1.Handle("/subscriptions/{id}/usage", write(s.recordUsage)).Methods(http.MethodPost)

	// Invoices
	v1.Handle("/invoices", read(s.listInvoices)).Methods(http.MethodGet)
	v1.Handle("/invoices/{id}", read(s.getInvoice)).Methods(http.MethodGet)
	v1.Handle("/invoices/{id}/attempts", read(s.listAttempts)).Methods(http.MethodGet)
	v1.Handle("/invoices/{id}/retry", write(s.retryInvoice)).Methods(http.MethodPost)
	v1.Handle("/invoices/{id}/fail", write(s.failInvoice)).Methods(http.MethodPost)

	// Payment issues
	v1.Handle("/issues", read(s.listIssues)).Methods(http.MethodGet)
	v1.Handle("/issues/{id}", read(s.getIssue)).Methods(http.MethodGet)

	// Payment methods
	v1.Handle("/subscribers/{subscriber}/payment-methods", read(s.listPaymentMethods)).Methods(http.MethodGet)
	v1.Handle("/subscribers/{subscriber}/payment-methods", write(s.addPaymentMethod)).Methods(http.MethodPost)
	v1.Handle("/subscribers/{subscriber}/payment-methods/{method}/default", write(s.setDefaultMethod)).Methods(http.MethodPut)
	v1.Handle("/subscribers/{subscriber}/payment-methods/{method}", write(s.removePaymentMethod)).Methods(http.MethodDelete)

	// Dashboard
	v1.Handle("/summary", read(s.summary)).Methods(http.MethodGet)
	v1.Handle("/subscribers/{subscriber}/summary", read(s.summary)).Methods(http.MethodGet)
}

func (s *Server) scoped(scope string) func(http.HandlerFunc) http.Handler {
	require := middleware.RequireScope(scope, s.verifier != nil)
	return func(h http.HandlerFunc) http.Handler {
		return require(h)
	}
}

// traceMiddleware starts a server span named after the matched route.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "dunning-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
}

// routeTemplate returns the matched route pattern, e.g. /api/v1/invoices/{id}.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
