package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/httputil"
	"github.com/platinummonkey/dunning/pkg/observability"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// Checked in order, first match wins.
var errorMappings = []errorMapping{
	{billing.ErrNotFound, http.StatusNotFound, "not_found"},
	{billing.ErrChargeInFlight, http.StatusConflict, "charge_in_flight"},
	{billing.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{billing.ErrNegativeUsage, http.StatusBadRequest, "negative_usage"},
	{billing.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{billing.ErrNoUsableMethod, http.StatusUnprocessableEntity, "no_usable_method"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// statusFor maps an engine error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeEngineError renders err. Internal errors are logged and hidden from the caller.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteCodedError(w, status, code, "internal server error")
		return
	}
	httputil.WriteCodedError(w, status, code, err.Error())
}
