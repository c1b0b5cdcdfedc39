package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jordanhubbard/modelplane/internal/apikey"
	"github.com/jordanhubbard/modelplane/internal/audit"
	"github.com/jordanhubbard/modelplane/internal/bandit"
	"github.com/jordanhubbard/modelplane/internal/breaker"
	"github.com/jordanhubbard/modelplane/internal/cache"
	"github.com/jordanhubbard/modelplane/internal/capability"
	"github.com/jordanhubbard/modelplane/internal/events"
	"github.com/jordanhubbard/modelplane/internal/fallback"
	"github.com/jordanhubbard/modelplane/internal/flags"
	"github.com/jordanhubbard/modelplane/internal/history"
	"github.com/jordanhubbard/modelplane/internal/httpapi"
	"github.com/jordanhubbard/modelplane/internal/idempotency"
	"github.com/jordanhubbard/modelplane/internal/invoke"
	"github.com/jordanhubbard/modelplane/internal/logging"
	"github.com/jordanhubbard/modelplane/internal/metrics"
	"github.com/jordanhubbard/modelplane/internal/monitor"
	"github.com/jordanhubbard/modelplane/internal/orchestrator"
	"github.com/jordanhubbard/modelplane/internal/quality"
	"github.com/jordanhubbard/modelplane/internal/ratelimit"
	"github.com/jordanhubbard/modelplane/internal/rollback"
	"github.com/jordanhubbard/modelplane/internal/route"
	"github.com/jordanhubbard/modelplane/internal/router"
	"github.com/jordanhubbard/modelplane/internal/safety"
	"github.com/jordanhubbard/modelplane/internal/snapshot"
	"github.com/jordanhubbard/modelplane/internal/temporal"
	"github.com/jordanhubbard/modelplane/internal/tracing"
)

// Server wires every subsystem together and owns their lifecycles.
type Server struct {
	cfg    Config
	logger *slog.Logger

	orch      *orchestrator.Orchestrator
	trail     *audit.Trail
	mon       *monitor.Monitor
	optimizer *cache.Optimizer
	rollbck   *rollback.Manager
	flags     *flags.Store
	limiter   *ratelimit.Limiter
	keys      *apikey.Manager
	store     snapshot.Store
	hist      *history.Store
	idem      *idempotency.Cache
	temporal  *temporal.Manager

	httpSrv       *http.Server
	traceShutdown func(context.Context) error
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	closers       []io.Closer
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "modelplane",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	s := &Server{cfg: cfg, logger: logger, traceShutdown: traceShutdown}

	if err := s.openSnapshotStore(); err != nil {
		return nil, err
	}

	// Capability matrix: TOML file when configured, built-in defaults
	// otherwise. The file may also seed feature flags.
	caps := capability.Defaults()
	var flagSeeds map[string]any
	if cfg.MatrixFile != "" {
		caps, flagSeeds, err = capability.LoadFile(cfg.MatrixFile)
		if err != nil {
			return nil, fmt.Errorf("load matrix file: %w", err)
		}
	}
	matrix := capability.NewMatrix()
	for _, c := range caps {
		if err := matrix.Register(c); err != nil {
			return nil, fmt.Errorf("register capability %s/%s: %w", c.Provider, c.ModelID, err)
		}
	}

	bus := events.NewBus()
	s.flags = flags.New(flagSeeds, flags.WithEventBus(bus))
	breakers := breaker.NewRegistry(route.Providers(), breaker.WithRegistryEventBus(bus))
	bnd := bandit.New()
	rt := router.New(matrix,
		router.WithBreakers(breakers),
		router.WithBandit(bnd),
		router.WithLogger(logger),
	)

	m := metrics.New()
	s.mon = monitor.New(monitor.DefaultConfig(), monitor.WithEventBus(bus))
	qual := quality.New(quality.DefaultConfig(), quality.WithEventBus(bus))

	c := cache.New(cache.DefaultConfig(), cache.WithLogger(logger))
	if cfg.SnapshotBackend == "redis" {
		mirror, err := cache.NewRedisMirror(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis cache mirror: %w", err)
		}
		s.closers = append(s.closers, mirror)
		c = cache.New(cache.DefaultConfig(), cache.WithLogger(logger), cache.WithMirror(mirror))
	}

	mux := invoke.NewMux()
	s.registerAdapters(mux, matrix)

	eng := fallback.New(fallback.DefaultConfig(), mux, breakers, matrix,
		fallback.WithCache(c),
		fallback.WithLogger(logger),
		fallback.WithObserver(orchestrator.BanditFeedback(bnd)),
	)

	auditCfg := audit.DefaultConfig()
	auditCfg.RetentionDays = cfg.AuditRetentionDays
	sink := audit.Sink(audit.NewWriterSink(nil))
	if cfg.AuditLogPath != "" {
		// Trail.Close closes the sink; no separate closer needed.
		fs, err := audit.NewFileSink(cfg.AuditLogPath)
		if err != nil {
			return nil, fmt.Errorf("audit sink: %w", err)
		}
		sink = fs
	}
	mirrorDSN := cfg.AuditMirrorDSN
	if mirrorDSN == "" && cfg.SnapshotBackend == "sqlite" {
		mirrorDSN = "file:modelplane-audit.sqlite"
	}
	if mirrorDSN != "" {
		mirror, err := audit.NewSQLiteSink(mirrorDSN)
		if err != nil {
			return nil, fmt.Errorf("audit mirror: %w", err)
		}
		sink = audit.NewMultiSink(sink, mirror)
	}
	s.trail = audit.NewTrail(auditCfg, audit.WithSink(sink), audit.WithLogger(logger))

	s.rollbck = rollback.New(rollback.DefaultConfig(), breakers, s.flags, rt,
		rollback.WithEventBus(bus),
		rollback.WithStore(s.store),
		rollback.WithLogger(logger),
	)

	// The optimizer warms through the orchestrator, which does not exist
	// yet; the closure resolves after construction below.
	warmer := cache.WarmerFunc(func(ctx context.Context, req route.Request) (route.Response, error) {
		return s.orch.Warm(ctx, req)
	})
	optCfg := cache.DefaultOptimizerConfig()
	optCfg.Interval = cfg.OptimizerInterval
	s.optimizer = cache.NewOptimizer(optCfg, c,
		cache.WithWarmer(warmer),
		cache.WithOptimizerLogger(logger),
		cache.WithOptimizerEventBus(bus),
	)

	s.orch = orchestrator.New(
		orchestrator.Config{ProviderTimeout: cfg.ProviderTimeout},
		orchestrator.Components{
			Matrix:     matrix,
			Router:     rt,
			Fallback:   eng,
			Cache:      c,
			Optimizer:  s.optimizer,
			Safety:     safety.NewChecker(safety.DefaultConfig()),
			URLs:       safety.NewURLValidator(nil),
			Compliance: safety.NewComplianceValidator(safety.DefaultAgreements()),
			Trail:      s.trail,
			Monitor:    s.mon,
			Quality:    qual,
			Bandit:     bnd,
			Breakers:   breakers,
			Rollback:   s.rollbck,
			Metrics:    m,
			Flags:      s.flags,
			Bus:        bus,
		},
		orchestrator.WithLogger(logger),
	)

	if cfg.HistoryEnabled {
		dsn := cfg.HistoryDSN
		if dsn == "" {
			dsn = ":memory:"
			if cfg.SnapshotBackend == "sqlite" {
				dsn = "file:modelplane-history.sqlite"
			}
		}
		s.hist, err = history.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("metrics history: %w", err)
		}
		s.hist.SetRetention(cfg.HistoryRetention)
		s.closers = append(s.closers, s.hist)
	}

	if cfg.IdempotencyTTL > 0 {
		s.idem = idempotency.New(cfg.IdempotencyTTL, 4096)
	}

	ledger := apikey.NewLedger()
	if cfg.AuthEnabled {
		s.keys = apikey.NewManager(s.store)
		if err := s.bootstrapAdminKey(context.Background()); err != nil {
			return nil, err
		}
	}

	s.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst,
		ratelimit.WithCounter(m.RateLimited))

	handler := httpapi.NewHandler(httpapi.Dependencies{
		Orch:    s.orch,
		Metrics: m,
		Bus:     bus,
		Flags:   s.flags,
		Rollbck: s.rollbck,
		History: s.hist,
		Idem:    s.idem,
		Keys:    s.keys,
		Ledger:  ledger,
		Logger:  logger,
	}, s.limiter, cfg.CORSOrigins)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.TemporalEnabled {
		acts := temporal.NewActivities(s.optimizer, c, warmer, s.trail, 0)
		tm, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			return nil, fmt.Errorf("temporal: %w", err)
		}
		s.temporal = tm
	}

	return s, nil
}

// Handler exposes the HTTP handler for tests and embedded use.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Orchestrator exposes the wired orchestrator.
func (s *Server) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Start begins serving and launches the background loops. It returns once
// the listener is handed off; ListenAndServe errors arrive on errCh.
func (s *Server) Start(errCh chan<- error) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.cfg.OptimizerEnabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.optimizer.Run(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rollbck.Run(ctx, 30*time.Second, s.mon.Snapshot)
	}()

	if s.hist != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sampleHistory(ctx)
		}()
	}

	// Temporal owns audit retention when enabled; otherwise prune in-process.
	if s.temporal == nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(6 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := s.trail.PruneBefore(ctx, s.trail.RetentionCutoff()); err != nil {
						s.logger.Warn("audit retention prune failed", slog.String("error", err.Error()))
					}
				}
			}
		}()
	}

	if s.temporal != nil {
		if err := s.temporal.Start(); err != nil {
			s.logger.Error("temporal worker failed to start", slog.String("error", err.Error()))
		}
	}

	go func() {
		s.logger.Info("listening", slog.String("addr", s.cfg.ListenAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
}

// Reload re-reads the runtime-tunable settings: log level from the
// environment and flag seeds from the matrix file.
func (s *Server) Reload() {
	level := getEnv("MODELPLANE_LOG_LEVEL", s.cfg.LogLevel)
	logging.SetLevel(level)
	s.logger.Info("reloaded log level", slog.String("level", level))

	if s.cfg.MatrixFile == "" {
		return
	}
	_, seeds, err := capability.LoadFile(s.cfg.MatrixFile)
	if err != nil {
		s.logger.Error("flag reload failed", slog.String("error", err.Error()))
		return
	}
	for k, v := range seeds {
		s.flags.Set(k, v)
	}
	s.logger.Info("reloaded flags", slog.Int("count", len(seeds)))
}

// Shutdown stops intake, drains background loops, flushes the audit trail,
// and persists a final flag snapshot. Bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	// Stop intake first so in-flight requests can still audit and record.
	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		firstErr = err
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.temporal != nil {
		s.temporal.Stop()
	}
	s.optimizer.Stop()
	s.limiter.Stop()
	if s.idem != nil {
		s.idem.Stop()
	}

	// Flush buffered audit events before the sinks close.
	if err := s.trail.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if payload, err := json.Marshal(s.flags.Snapshot()); err == nil {
		if err := s.store.Put(ctx, "flags/final", payload); err != nil {
			s.logger.Warn("final flag snapshot failed", slog.String("error", err.Error()))
		}
	}

	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sampleHistory periodically records monitor aggregates, fleet-wide and per
// provider, and prunes samples past retention once an hour.
func (s *Server) sampleHistory(ctx context.Context) {
	sample := time.NewTicker(s.cfg.HistorySampleInterval)
	defer sample.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-sample.C:
			ts := now.UTC()
			s.hist.Record(history.FromSnapshot(ts, "", s.mon.Snapshot())...)
			for provider, m := range s.mon.ProviderSnapshot() {
				s.hist.Record(history.FromSnapshot(ts, provider, m)...)
			}
		case <-prune.C:
			if deleted, err := s.hist.Prune(ctx); err != nil {
				s.logger.Warn("history prune failed", slog.String("error", err.Error()))
			} else if deleted > 0 {
				s.logger.Info("history pruned", slog.Int64("samples", deleted))
			}
		}
	}
}

func (s *Server) openSnapshotStore() error {
	switch s.cfg.SnapshotBackend {
	case "sqlite":
		st, err := snapshot.NewSQLite(s.cfg.SnapshotDSN)
		if err != nil {
			return fmt.Errorf("sqlite snapshot store: %w", err)
		}
		s.store = st
		s.closers = append(s.closers, st)
	case "redis":
		st, err := snapshot.NewRedis(context.Background(), s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("redis snapshot store: %w", err)
		}
		s.store = st
		s.closers = append(s.closers, st)
	default:
		s.store = snapshot.NewMemory()
	}
	return nil
}

// registerAdapters installs an HTTP adapter for every provider with a
// configured endpoint. Cost is estimated from the capability matrix rates.
func (s *Server) registerAdapters(mux *invoke.Mux, matrix *capability.Matrix) {
	client := &http.Client{
		Timeout:   s.cfg.ProviderTimeout,
		Transport: tracing.HTTPTransport(nil),
	}
	endpoints := map[route.Provider][2]string{
		route.ProviderAWS:    {s.cfg.AWSEndpoint, s.cfg.AWSAPIKey},
		route.ProviderGoogle: {s.cfg.GoogleEndpoint, s.cfg.GoogleAPIKey},
		route.ProviderMeta:   {s.cfg.MetaEndpoint, s.cfg.MetaAPIKey},
	}
	for provider, ep := range endpoints {
		endpoint, key := ep[0], ep[1]
		if endpoint == "" {
			continue
		}
		p := provider
		costFn := func(modelID string, tokens int) float64 {
			if c, ok := matrix.Get(p, modelID); ok {
				return c.BlendedCost() * float64(tokens) / 1000
			}
			return 0
		}
		mux.Register(provider, invoke.NewHTTP(endpoint, key,
			invoke.WithHTTPClient(client),
			invoke.WithCostFunc(costFn),
		))
		s.logger.Info("registered provider adapter",
			slog.String("provider", string(provider)),
			slog.String("endpoint", endpoint))
	}
}

// bootstrapAdminKey generates an initial admin key when auth is enabled and
// no keys exist yet. The plaintext is logged exactly once.
func (s *Server) bootstrapAdminKey(ctx context.Context) error {
	existing, err := s.keys.List(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	plaintext, rec, err := s.keys.Generate(ctx, apikey.Spec{
		Name:   "bootstrap-admin",
		Scopes: []string{apikey.ScopeAdmin, apikey.ScopeExecute},
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}
	// Deliberately bypasses the redacting logger: the operator needs this
	// value and it is never printed again.
	fmt.Printf("bootstrap admin API key (shown once): %s (id %s)\n", plaintext, rec.ID)
	return nil
}
