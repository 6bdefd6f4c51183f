package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/httputil"
	"github.com/platinummonkey/dunning/pkg/storage"
)

var (
	subscriptionStates = []billing.SubscriptionState{
		billing.SubscriptionActive, billing.SubscriptionWarning, billing.SubscriptionGracePeriod,
		billing.SubscriptionSuspended, billing.SubscriptionCancelled,
	}
	invoiceStates = []billing.InvoiceState{
		billing.InvoicePending, billing.InvoicePaid, billing.InvoiceOverdue,
		billing.InvoiceFailed, billing.InvoiceVoid,
	}
	issueStates = []billing.IssueState{
		billing.IssueActive, billing.IssueGracePeriod, billing.IssueResolved, billing.IssueEscalated,
	}
)

func invalidFilter(w http.ResponseWriter, name, value string) {
	httputil.WriteValidationError(w, fmt.Sprintf("unknown %s %q", name, value))
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	filter := storage.SubscriptionFilter{
		SubscriberID: r.URL.Query().Get("subscriber_id"),
		State:        billing.SubscriptionState(r.URL.Query().Get("state")),
	}
	if !httputil.OneOf(filter.State, subscriptionStates...) {
		invalidFilter(w, "state", string(filter.State))
		return
	}

	subs, err := s.service.ListSubscriptions(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteList(w, subs)
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.service.GetSubscription(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// listInvoices accepts state=overdue, which selects pending invoices past their due date.
func (s *Server) listInvoices(w http.ResponseWriter, r *http.Request) {
	filter := storage.InvoiceFilter{
		SubscriberID:   r.URL.Query().Get("subscriber_id"),
		SubscriptionID: r.URL.Query().Get("subscription_id"),
		State:          billing.InvoiceState(r.URL.Query().Get("state")),
	}
	if !httputil.OneOf(filter.State, invoiceStates...) {
		invalidFilter(w, "state", string(filter.State))
		return
	}

	invoices, err := s.service.ListInvoices(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteList(w, invoices)
}

func (s *Server) getInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := s.service.GetInvoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.service.ListAttempts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteList(w, attempts)
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	unresolved, err := httputil.ParseQueryBool(r, "unresolved", false)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	filter := storage.IssueFilter{
		SubscriberID: r.URL.Query().Get("subscriber_id"),
		InvoiceID:    r.URL.Query().Get("invoice_id"),
		State:        billing.IssueState(r.URL.Query().Get("state")),
		Unresolved:   unresolved,
	}
	if !httputil.OneOf(filter.State, issueStates...) {
		invalidFilter(w, "state", string(filter.State))
		return
	}

	issues, err := s.service.ListIssues(r.Context(), filter)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteList(w, issues)
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.service.GetIssue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, issue)
}

func (s *Server) listPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := s.service.ListPaymentMethods(r.Context(), mux.Vars(r)["subscriber"])
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteList(w, methods)
}

// summary serves both /summary?subscriber_id= and /subscribers/{subscriber}/summary.
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	subscriberID := mux.Vars(r)["subscriber"]
	if subscriberID == "" {
		subscriberID = r.URL.Query().Get("subscriber_id")
	}
	sum, err := s.service.Summary(r.Context(), subscriberID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sum)
}
