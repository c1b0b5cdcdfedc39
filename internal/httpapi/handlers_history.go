package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jordanhubbard/modelplane/internal/history"
	"github.com/jordanhubbard/modelplane/internal/route"
)

// HistoryQueryHandler serves recorded metric series. Query parameters:
// metric (required), provider, model, since/until (RFC3339), and step_ms to
// downsample into fixed buckets.
func HistoryQueryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metric := r.URL.Query().Get("metric")
		if metric == "" {
			jsonError(w, "metric parameter is required", http.StatusBadRequest)
			return
		}

		q := history.Query{
			Metric:   metric,
			Provider: route.Provider(r.URL.Query().Get("provider")),
			Model:    r.URL.Query().Get("model"),
		}
		if v := r.URL.Query().Get("since"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
			q.Since = ts
		}
		if v := r.URL.Query().Get("until"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "until must be RFC3339", http.StatusBadRequest)
				return
			}
			q.Until = ts
		}
		if v := r.URL.Query().Get("step_ms"); v != "" {
			step, err := strconv.ParseInt(v, 10, 64)
			if err != nil || step < 0 {
				jsonError(w, "step_ms must be a non-negative integer", http.StatusBadRequest)
				return
			}
			q.StepMs = step
		}

		series, err := d.History.Select(r.Context(), q)
		if err != nil {
			jsonError(w, "history query failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if series == nil {
			series = []history.Series{}
		}
		writeJSON(w, map[string]any{"series": series})
	}
}

// HistoryMetricsHandler lists the metric names available for querying.
func HistoryMetricsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := d.History.Metrics(r.Context())
		if err != nil {
			jsonError(w, "history metrics failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if names == nil {
			names = []string{}
		}
		writeJSON(w, map[string]any{"metrics": names})
	}
}
