package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/modelplane/internal/apikey"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// maxExecuteBody caps the /v1/execute request body (1 MB). Prompts beyond
// that are a client error, not a capacity planning problem.
const maxExecuteBody = 1 << 20

// ExecuteHandler handles POST /v1/execute: the single entry point for model
// invocations. The authenticated key's tenant overrides whatever the body
// claims, and monthly budgets are checked before any provider is touched.
func ExecuteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}

		var req route.Request
		body := http.MaxBytesReader(w, r.Body, maxExecuteBody)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Prompt == "" {
			jsonError(w, "prompt required", http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			req.ID = middleware.GetReqID(r.Context())
		}

		rec := apikey.FromContext(r.Context())
		if rec != nil {
			if rec.Tenant != "" {
				req.Context.Tenant = rec.Tenant
			}
			if d.Ledger != nil {
				if err := d.Ledger.Check(rec); err != nil {
					jsonError(w, err.Error(), http.StatusPaymentRequired)
					return
				}
			}
		}

		resp, err := d.Orch.Execute(r.Context(), req)
		if err != nil {
			writeExecuteError(w, req.ID, err)
			return
		}

		if rec != nil && d.Ledger != nil {
			d.Ledger.Charge(rec.ID, resp.CostEuro)
		}
		writeJSON(w, resp)
	}
}

// writeExecuteError surfaces a failed execution as a structured body: the
// error kind, a caller-safe message, and the request id for audit lookups.
func writeExecuteError(w http.ResponseWriter, requestID string, err error) {
	kind := route.KindOf(err)
	msg := err.Error()
	var re *route.Error
	if errors.As(err, &re) {
		// Error() prepends the kind and may wrap a cause; the bare message
		// is the caller-safe part.
		msg = re.Message
		if re.RequestID != "" {
			requestID = re.RequestID
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForError(err))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":    false,
		"error":      msg,
		"error_kind": kind,
		"request_id": requestID,
	})
}

// statusForError maps error kinds to HTTP status codes. Client-caused
// rejections are 4xx; provider-side failures are 5xx.
func statusForError(err error) int {
	switch route.KindOf(err) {
	case route.ErrSafetyRejectedInput, route.ErrSafetyRejectedOutput, route.ErrSSRFBlocked:
		return http.StatusUnprocessableEntity
	case route.ErrComplianceViolation, route.ErrAuthorizationRefused:
		return http.StatusForbidden
	case route.ErrNoFeasibleModel:
		return http.StatusBadRequest
	case route.ErrProviderTimeout:
		return http.StatusGatewayTimeout
	case route.ErrProviderQuotaExceeded:
		return http.StatusTooManyRequests
	case route.ErrAllProvidersUnavailable, route.ErrProviderUnavailable:
		return http.StatusBadGateway
	default:
		var re *route.Error
		if errors.As(err, &re) && re.Kind.Terminal() {
			return http.StatusInternalServerError
		}
		return http.StatusBadGateway
	}
}
