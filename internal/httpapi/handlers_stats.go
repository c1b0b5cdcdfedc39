package httpapi

import "net/http"

// StatsHandler handles GET /admin/v1/stats with aggregated subsystem
// counters: rolling monitor metrics, cache hit rates, bandit bucket count,
// and audit trail totals.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, d.Orch.StatsSnapshot())
	}
}
