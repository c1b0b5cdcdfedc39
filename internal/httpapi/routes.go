// Package httpapi exposes the execution endpoint and the admin surface over
// chi. All handlers are nil-safe against optional dependencies so a partial
// wiring (tests, embedded use) still serves what it can.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/modelplane/internal/apikey"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/flags"
	"github.com/jordanhubbard/modelplane/internal/history"
	"github.com/jordanhubbard/modelplane/internal/idempotency"
	"github.com/jordanhubbard/modelplane/internal/logging"
	"github.com/jordanhubbard/modelplane/internal/metrics"
	"github.com/jordanhubbard/modelplane/internal/orchestrator"
	"github.com/jordanhubbard/modelplane/internal/ratelimit"
	"github.com/jordanhubbard/modelplane/internal/rollback"
	"github.com/jordanhubbard/modelplane/internal/tracing"
)

type Dependencies struct {
	Orch    *orchestrator.Orchestrator
	Metrics *metrics.Registry
	Bus     *events.Bus
	Flags   *flags.Store
	Rollbck *rollback.Manager

	// Metrics history (nil disables /admin/v1/history).
	History *history.Store

	// Idempotency-Key replay on /v1/execute (nil disables it).
	Idem *idempotency.Cache

	// API key management (nil disables auth on /v1 and /admin/v1).
	Keys   *apikey.Manager
	Ledger *apikey.Ledger

	Logger *slog.Logger
}

// NewHandler builds the full middleware stack plus routes. Limiter may be
// nil; CORS origins default to "*" when empty.
func NewHandler(d Dependencies, limiter *ratelimit.Limiter, corsOrigins []string) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	MountRoutes(r, d)
	return r
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if d.Keys != nil {
			r.Use(apikey.AuthMiddleware(d.Keys, apikey.ScopeExecute))
		}
		if d.Idem != nil {
			r.Use(idempotency.Middleware(d.Idem))
		}
		r.Post("/execute", ExecuteHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		if d.Keys != nil {
			r.Use(apikey.AuthMiddleware(d.Keys, apikey.ScopeAdmin))
		}

		r.Get("/models", ModelsListHandler(d))
		r.Patch("/models/{provider}/{id}", ModelsPatchHandler(d))

		r.Post("/bandit/reset", BanditResetHandler(d))
		r.Get("/bandit/arms", BanditArmsHandler(d))

		r.Post("/rollback", RollbackTriggerHandler(d))
		r.Delete("/rollback", RollbackCancelHandler(d))
		r.Get("/rollback/history", RollbackHistoryHandler(d))

		r.Get("/audit", AuditQueryHandler(d))
		r.Get("/audit/verify", AuditVerifyHandler(d))

		r.Get("/flags", FlagsGetHandler(d))
		r.Put("/flags/{key}", FlagsSetHandler(d))
		r.Delete("/flags/{key}", FlagsDeleteHandler(d))

		r.Get("/stats", StatsHandler(d))
		r.Get("/url-check", URLCheckHandler(d))

		if d.History != nil {
			r.Get("/history", HistoryQueryHandler(d))
			r.Get("/history/metrics", HistoryMetricsHandler(d))
		}

		r.Post("/apikeys", APIKeysCreateHandler(d))
		r.Get("/apikeys", APIKeysListHandler(d))
		r.Post("/apikeys/{id}/rotate", APIKeysRotateHandler(d))
		r.Delete("/apikeys/{id}", APIKeysDeleteHandler(d))

		if d.Bus != nil {
			r.Get("/events", SSEHandler(d.Bus))
		}
	})
}

// HealthzHandler reports the orchestrator health verdict. Degraded still
// returns 200 so load balancers keep routing; only unhealthy returns 503.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Orch == nil {
			jsonError(w, "orchestrator not configured", http.StatusServiceUnavailable)
			return
		}
		h := d.Orch.HealthStatus()
		code := http.StatusOK
		if h.Status == orchestrator.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(h)
	}
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
