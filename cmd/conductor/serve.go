package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	conhttp "github.com/fluxline/conductor/internal/adapter/http"
	connats "github.com/fluxline/conductor/internal/adapter/nats"
	"github.com/fluxline/conductor/internal/adapter/natskv"
	"github.com/fluxline/conductor/internal/adapter/otel"
	"github.com/fluxline/conductor/internal/adapter/postgres"
	"github.com/fluxline/conductor/internal/adapter/ristretto"
	"github.com/fluxline/conductor/internal/adapter/tiered"
	"github.com/fluxline/conductor/internal/adapter/ws"
	"github.com/fluxline/conductor/internal/config"
	"github.com/fluxline/conductor/internal/domain/event"
	"github.com/fluxline/conductor/internal/domain/quota"
	"github.com/fluxline/conductor/internal/domain/saga"
	"github.com/fluxline/conductor/internal/logger"
	"github.com/fluxline/conductor/internal/middleware"
	"github.com/fluxline/conductor/internal/port/cache"
	"github.com/fluxline/conductor/internal/port/handler"
	"github.com/fluxline/conductor/internal/resilience"
	"github.com/fluxline/conductor/internal/service"
)

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer logCloser.Close()

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"definitions_dir", cfg.Orchestrator.DefinitionsDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOtel, err := otel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()
	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	queue, err := connats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	idemKV, err := queue.KeyValue(ctx, cfg.NATS.IdempotencyBucket, cfg.NATS.IdempotencyTTL)
	if err != nil {
		return fmt.Errorf("idempotency bucket: %w", err)
	}
	viewKV, err := queue.KeyValue(ctx, cfg.Logging.Service+"-views", 0)
	if err != nil {
		return fmt.Errorf("view bucket: %w", err)
	}

	// --- Saga definitions ---
	defs, err := saga.LoadFromDirectory(cfg.Orchestrator.DefinitionsDir)
	if err != nil {
		return fmt.Errorf("definitions: %w", err)
	}
	definitions := saga.NewRegistry(defs)
	log.Info("definitions loaded", "count", len(defs))

	// --- Services ---
	store := postgres.NewStore(pool)
	eventStore := postgres.NewEventStore(pool)
	hub := ws.NewHub()
	bus := service.NewEventBus(eventStore, queue, log)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		WindowSize:  cfg.Breaker.WindowSize,
		FailureRate: cfg.Breaker.FailureRate,
		Cooldown:    cfg.Breaker.Cooldown,
	}, func(dependencyID string, from, to resilience.State) {
		bus.Emit(ctx, event.TypeBreakerChanged, "circuit-breaker", dependencyID, "",
			event.BreakerPayload{DependencyID: dependencyID, From: from.String(), To: to.String()})
		hub.BroadcastEvent(ctx, ws.EventBreakerState, ws.BreakerStateEvent{
			DependencyID: dependencyID, From: from.String(), To: to.String(),
		})
		if to == resilience.StateOpen {
			metrics.BreakerTrips.Add(ctx, 1)
		}
	})

	defaultQuota := quota.Quota{
		MaxConcurrentAgents:  cfg.Quota.MaxConcurrentAgents,
		MaxSpawnDepth:        cfg.Quota.MaxSpawnDepth,
		MaxChildrenPerParent: cfg.Quota.MaxChildrenPerParent,
		APICallsPerMinute:    cfg.Quota.APICallsPerMinute,
	}
	resources := service.NewResourceManager(store, bus, defaultQuota, log)
	scheduler := service.NewScheduler(cfg.Scheduler, log)

	// L1 in-process, L2 NATS KV so views survive restarts.
	l1, err := ristretto.New(64 << 20)
	if err != nil {
		return fmt.Errorf("view cache: %w", err)
	}
	defer l1.Close()
	var viewCache cache.Cache = tiered.New(l1, natskv.NewCache(viewKV), time.Minute)

	projector := service.NewProjector(bus, viewCache, log)
	if err := projector.Start(ctx); err != nil {
		return fmt.Errorf("projector: %w", err)
	}
	defer projector.Stop()

	// The detector terminates victims through the orchestrator, which in
	// turn registers wait edges with the detector. Break the cycle with a
	// late-bound callback.
	stepHandlers := handler.NewRegistry()
	registerStepHandlers(stepHandlers)

	var orch *service.Orchestrator
	detector := service.NewDeadlockDetector(bus, cfg.Deadlock.ScanInterval,
		func(ctx context.Context, sagaID string, cycle []string) {
			orch.Terminate(ctx, sagaID, cycle)
		}, log)

	orch = service.NewOrchestrator(service.OrchestratorDeps{
		Definitions: definitions,
		Handlers:    stepHandlers,
		Store:       store,
		Bus:         bus,
		Queue:       queue,
		Breakers:    breakers,
		Resources:   resources,
		Scheduler:   scheduler,
		Deadlock:    detector,
		Idempotency: natskv.NewIdempotency(idemKV),
		Hub:         hub,
		Metrics:     metrics,
		Config:      cfg.Orchestrator,
		Log:         log,
	})

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	defer orch.Stop()

	go scheduler.Run(ctx)
	go detector.Run(ctx)

	// Dashboard queue gauge.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				total, perRequester := scheduler.Depths()
				hub.BroadcastEvent(ctx, ws.EventQueueDepth, ws.QueueDepthEvent{
					Total:        total,
					PerRequester: perRequester,
				})
				metrics.QueueDepth.Record(ctx, int64(total))
			}
		}
	}()

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	handlers := conhttp.NewHandlers(conhttp.HandlersDeps{
		Orchestrator: orch,
		Projector:    projector,
		Resources:    resources,
		Scheduler:    scheduler,
		Bus:          bus,
		Breakers:     breakers,
		Definitions:  definitions,
		Store:        store,
		Queue:        queue,
		Hub:          hub,
		DBPing:       pool.Ping,
	})

	router := conhttp.NewRouter(handlers, cfg.Server.CORSOrigin, limiter, otel.HTTPMiddleware(cfg.Logging.Service))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
