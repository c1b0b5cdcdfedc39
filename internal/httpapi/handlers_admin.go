package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/modelplane/internal/audit"
	"github.com/jordanhubbard/modelplane/internal/bandit"
	"github.com/jordanhubbard/modelplane/internal/capability"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// ModelsListHandler handles GET /admin/v1/models. Query parameters narrow the
// feasibility context: domain, budget_tier, require_tools, sla_ms. With no
// parameters it lists everything feasible for a general-domain request.
func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		ctx := route.Context{Domain: route.DomainGeneral}
		q := r.URL.Query()
		if v := q.Get("domain"); v != "" {
			ctx.Domain = route.Domain(v)
		}
		if v := q.Get("budget_tier"); v != "" {
			ctx.BudgetTier = route.BudgetTier(v)
		}
		if v := q.Get("require_tools"); v != "" {
			ctx.RequireTools = v == "true" || v == "1"
		}
		if v := q.Get("sla_ms"); v != "" {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				jsonError(w, "sla_ms must be an integer", http.StatusBadRequest)
				return
			}
			ctx.SLAMillis = ms
		}
		writeJSON(w, map[string]any{"models": d.Orch.AvailableModels(ctx)})
	}
}

// ModelsPatchHandler handles PATCH /admin/v1/models/{provider}/{id} with a
// partial capability update. Nil fields are left unchanged.
func ModelsPatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		var p capability.Partial
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		provider := route.Provider(chi.URLParam(r, "provider"))
		modelID := chi.URLParam(r, "id")
		cap, err := d.Orch.UpdateCapability(provider, modelID, p)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, cap)
	}
}

// banditBucketReq names one context bucket in admin requests and queries.
type banditBucketReq struct {
	Domain       route.Domain     `json:"domain"`
	BudgetTier   route.BudgetTier `json:"budget_tier"`
	RequireTools bool             `json:"require_tools"`
}

func (b banditBucketReq) bucket() bandit.Bucket {
	return bandit.BucketFor(b.Domain, b.BudgetTier, b.RequireTools)
}

// BanditResetHandler handles POST /admin/v1/bandit/reset. An empty body resets
// every bucket back to uniform priors; a body naming a context bucket
// (domain, budget_tier, require_tools) resets only that bucket.
func BanditResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		var req banditBucketReq
		switch err := json.NewDecoder(r.Body).Decode(&req); {
		case errors.Is(err, io.EOF):
			d.Orch.ResetBandit()
		case err != nil:
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		default:
			d.Orch.ResetBandit(req.bucket())
		}
		writeJSON(w, map[string]any{"ok": true})
	}
}

// BanditArmsHandler handles GET /admin/v1/bandit/arms. Query parameters
// domain, budget_tier, and require_tools select the context bucket; the
// response lists its learned arm statistics.
func BanditArmsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query()
		b := banditBucketReq{
			Domain:       route.Domain(q.Get("domain")),
			BudgetTier:   route.BudgetTier(q.Get("budget_tier")),
			RequireTools: q.Get("require_tools") == "true" || q.Get("require_tools") == "1",
		}
		arms := d.Orch.BanditArms(b.bucket())
		writeJSON(w, map[string]any{"arms": arms, "count": len(arms)})
	}
}

// RollbackTriggerHandler handles POST /admin/v1/rollback with a JSON body
// {"reason": "..."}.
func RollbackTriggerHandler(d Dependencies) http.HandlerFunc {
	type triggerReq struct {
		Reason string `json:"reason"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		var req triggerReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			jsonError(w, "reason required", http.StatusBadRequest)
			return
		}
		st := d.Orch.TriggerManualRollback(req.Reason)
		if st == nil {
			jsonError(w, "rollback already in progress or cooling down", http.StatusConflict)
			return
		}
		writeJSON(w, st)
	}
}

// RollbackCancelHandler handles DELETE /admin/v1/rollback.
func RollbackCancelHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{"cancelled": d.Orch.CancelRollback()})
	}
}

// RollbackHistoryHandler handles GET /admin/v1/rollback/history.
func RollbackHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Rollbck == nil {
			jsonError(w, "rollback not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]any{
			"history":   d.Rollbck.History(),
			"snapshots": d.Rollbck.Snapshots(),
		})
	}
}

// AuditQueryHandler handles GET /admin/v1/audit. Query parameters:
// request_id, type, since/until (RFC 3339), limit.
func AuditQueryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query()
		filter := audit.Filter{
			RequestID: q.Get("request_id"),
			EventType: audit.EventType(q.Get("type")),
		}
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "since must be RFC 3339", http.StatusBadRequest)
				return
			}
			filter.Since = t
		}
		if v := q.Get("until"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "until must be RFC 3339", http.StatusBadRequest)
				return
			}
			filter.Until = t
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			filter.Limit = n
		}
		events := d.Orch.GetAuditEvents(filter)
		writeJSON(w, map[string]any{"events": events, "count": len(events)})
	}
}

// AuditVerifyHandler handles GET /admin/v1/audit/verify. Recomputes hashes
// and chain links over the buffered events.
func AuditVerifyHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, d.Orch.VerifyIntegrity())
	}
}

// FlagsGetHandler handles GET /admin/v1/flags.
func FlagsGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Flags == nil {
			jsonError(w, "flags not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, d.Flags.Snapshot())
	}
}

// FlagsSetHandler handles PUT /admin/v1/flags/{key} with body {"value": ...}.
func FlagsSetHandler(d Dependencies) http.HandlerFunc {
	type setReq struct {
		Value any `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Flags == nil {
			jsonError(w, "flags not configured", http.StatusServiceUnavailable)
			return
		}
		var req setReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		key := chi.URLParam(r, "key")
		d.Flags.Set(key, req.Value)
		writeJSON(w, map[string]any{"ok": true, "key": key})
	}
}

// FlagsDeleteHandler handles DELETE /admin/v1/flags/{key}.
func FlagsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Flags == nil {
			jsonError(w, "flags not configured", http.StatusServiceUnavailable)
			return
		}
		d.Flags.Delete(chi.URLParam(r, "key"))
		writeJSON(w, map[string]any{"ok": true})
	}
}

// URLCheckHandler handles GET /admin/v1/url-check?url=... and runs the
// outbound URL policy against the given URL. Blocks are audited.
func URLCheckHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		raw := r.URL.Query().Get("url")
		if raw == "" {
			jsonError(w, "url parameter required", http.StatusBadRequest)
			return
		}
		writeJSON(w, d.Orch.ValidateURL(raw))
	}
}
