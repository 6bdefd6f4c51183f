package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/httputil"
	"github.com/platinummonkey/dunning/pkg/observability"
)

// Commands are idempotent and answer with the entity's state after the call.

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.SubscriberID, "subscriber_id") {
		return
	}

	ctx := observability.WithSubscriberID(r.Context(), req.SubscriberID)
	sub, inv, err := s.service.CreateSubscription(ctx, req.subscription())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteCreated(w, SubscriptionResponse{Subscription: sub, Invoice: inv})
}

func (s *Server) advanceCycle(w http.ResponseWriter, r *http.Request) {
	sub, inv, err := s.service.AdvanceCycle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, SubscriptionResponse{Subscription: sub, Invoice: inv})
}

func (s *Server) advanceConsolidated(w http.ResponseWriter, r *http.Request) {
	var req AdvanceConsolidatedRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.SubscriptionIDs) == 0 {
		httputil.WriteValidationError(w, "subscription_ids is required")
		return
	}

	subs, inv, err := s.service.AdvanceConsolidated(r.Context(), req.SubscriptionIDs)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, ConsolidatedResponse{Subscriptions: subs, Invoice: inv})
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.service.CancelSubscription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, SubscriptionResponse{Subscription: sub})
}

func (s *Server) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Delta == nil {
		httputil.WriteValidationError(w, "delta is required")
		return
	}

	sub, err := s.service.RecordUsage(r.Context(), mux.Vars(r)["id"], *req.Delta)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, SubscriptionResponse{Subscription: sub})
}

func (s *Server) retryInvoice(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.RetryNow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newRetryResponse(res))
}

func (s *Server) failInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.service.FailInvoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

func (s *Server) addPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req AddPaymentMethodRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.OneOf(req.Kind, billing.MethodCard, billing.MethodBankAccount) || req.Kind == "" {
		httputil.WriteValidationError(w, "kind must be card or bank_account")
		return
	}
	if !httputil.RequireNonEmpty(w, req.GatewayToken, "gateway_token") {
		return
	}

	subscriberID := mux.Vars(r)["subscriber"]
	ctx := observability.WithSubscriberID(r.Context(), subscriberID)
	method, err := s.service.AddPaymentMethod(ctx, req.method(subscriberID), req.MakeDefault)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteCreated(w, method)
}

func (s *Server) setDefaultMethod(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := observability.WithSubscriberID(r.Context(), vars["subscriber"])
	methods, err := s.service.SetDefaultMethod(ctx, vars["subscriber"], vars["method"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteList(w, methods)
}

func (s *Server) removePaymentMethod(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx := observability.WithSubscriberID(r.Context(), vars["subscriber"])
	methods, err := s.service.RemovePaymentMethod(ctx, vars["subscriber"], vars["method"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteList(w, methods)
}
