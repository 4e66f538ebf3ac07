// agentrun - Agent Tool-Orchestration Runtime Server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/agentrun/internal/agent"
	"github.com/ashureev/agentrun/internal/api"
	"github.com/ashureev/agentrun/internal/authz"
	"github.com/ashureev/agentrun/internal/catalog"
	"github.com/ashureev/agentrun/internal/config"
	"github.com/ashureev/agentrun/internal/conversation"
	"github.com/ashureev/agentrun/internal/events"
	"github.com/ashureev/agentrun/internal/executor"
	"github.com/ashureev/agentrun/internal/hotcache"
	"github.com/ashureev/agentrun/internal/identity"
	"github.com/ashureev/agentrun/internal/llm"
	"github.com/ashureev/agentrun/internal/metrics"
	"github.com/ashureev/agentrun/internal/middleware"
	"github.com/ashureev/agentrun/internal/plan"
	"github.com/ashureev/agentrun/internal/session"
	"github.com/ashureev/agentrun/internal/store"
	"github.com/ashureev/agentrun/internal/stream"
)

// streamCloseGrace lets open streams deliver session.closed before the
// registry drops them.
const streamCloseGrace = 2 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	// Initialize storage.
	repo, err := openStore(cfg.Store)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Store connected", "driver", cfg.Store.Driver)

	cache, err := openCache(cfg.Cache, logger)
	if err != nil {
		slog.Error("Failed to open session cache", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := cache.Close(); closeErr != nil {
			slog.Error("Failed to close session cache", "error", closeErr)
		}
	}()

	// Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Event bus and audit log.
	bus := events.NewBus(events.Config{
		BufferSize: cfg.Events.BufferSize,
		ReplaySize: cfg.Events.ReplaySize,
	}, events.WithSeeder(repo.LastEventSeq), events.WithLogger(logger), events.WithMetrics(m))

	// Tools.
	cat, err := catalog.LoadFile(cfg.Tools.CatalogPath, nil)
	if err != nil {
		slog.Error("Failed to load tool catalog", "error", err, "path", cfg.Tools.CatalogPath)
		os.Exit(1)
	}
	slog.Info("Tool catalog loaded", "tools", cat.Names())

	budget := authz.NewCallBudget(cfg.Authz.CriticalCallsPerSession)
	gate := authz.NewGate(authz.Policy{ConfirmationPrecedence: cfg.Authz.ConfirmationPrecedence}, budget.Check)
	exec := executor.New(cat, executor.Config{
		Timeout:     cfg.Tools.Timeout,
		MaxAttempts: cfg.Tools.MaxAttempts,
		BaseDelay:   cfg.Tools.BackoffBase,
		MaxDelay:    cfg.Tools.BackoffMax,
		Workers:     cfg.Tools.Workers,
	}, executor.WithPublisher(bus), executor.WithMetrics(m), executor.WithLogger(logger))

	// Sessions, transcripts and plans.
	sessions := session.NewManager(repo, session.Config{
		IdleAfter:       cfg.Session.IdleAfter,
		TTL:             cfg.Session.TTL,
		SweepInterval:   cfg.Session.SweepInterval,
		DefaultAutonomy: cfg.Session.DefaultAutonomy,
	}, session.WithCache(cache), session.WithPublisher(bus), session.WithMetrics(m), session.WithLogger(logger))

	tracker := plan.NewTracker(repo, bus, m, logger)
	conv := conversation.NewManager(repo,
		conversation.WithPublisher(bus),
		conversation.WithPinSource(tracker),
		conversation.WithMaxTokens(cfg.Agent.ContextMaxTokens),
		conversation.WithLogger(logger))

	// Language model.
	model, closeModel, err := openModel(cfg.LLM, logger)
	if err != nil {
		slog.Error("Failed to initialize language model", "error", err)
		os.Exit(1)
	}
	defer closeModel()

	runtime, err := agent.New(agent.Deps{
		Sessions:     sessions,
		Conversation: conv,
		Detector:     plan.NewDetector(cat, gate, m),
		Plans:        tracker,
		Executor:     exec,
		Catalog:      cat,
		Model:        model,
		Budget:       budget,
		Bus:          bus,
		Metrics:      m,
		Logger:       logger,
	}, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		SystemPrompt:  cfg.Agent.SystemPrompt,
	})
	if err != nil {
		slog.Error("Failed to initialize agent runtime", "error", err)
		os.Exit(1)
	}

	// Real-time transport.
	registry := stream.NewRegistry()
	streamDeps := stream.Deps{
		Bus:      bus,
		History:  repo,
		Sessions: sessions,
		Runtime:  runtime,
		Registry: registry,
		Logger:   logger,
	}
	wsHandler := stream.NewWebSocketHandler(streamDeps, cfg.FrontendURL, cfg.IsDevelopment())
	sseHandler := stream.NewSSEHandler(streamDeps, stream.SSEConfig{
		Retry:     cfg.SSE.RetryDelay,
		KeepAlive: cfg.SSE.KeepAlive,
	})

	// Release per-session state once a session closes.
	sessions.OnClose(func(id string) {
		runtime.Forget(id)
		conv.Forget(id)
		budget.Forget(id)
		bus.Forget(id)
		time.AfterFunc(streamCloseGrace, func() { registry.CloseSession(id) })
	})

	limiter := api.NewRateLimiter(cfg.RateLimitPerMinute)
	defer limiter.Close()

	apiHandler := api.NewHandler(api.Deps{
		Sessions:     sessions,
		Conversation: conv,
		Plans:        tracker,
		Runtime:      runtime,
		Catalog:      cat,
		Events:       repo,
		Store:        repo,
		Stream:       sseHandler,
		Logger:       logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(middleware.CORSOptions{
		Origins: cfg.AllowedOrigins(),
		Methods: cfg.CORS.Methods,
		Headers: cfg.AllowedHeaders(),
		MaxAge:  cfg.CORS.MaxAge,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment(), cfg.Identity.TrustPrincipalHeader))
		apiHandler.RegisterRoutes(r, limiter.Middleware)
		r.Get("/ws", wsHandler.ServeHTTP)
	})

	// Create server.
	// Note: SSE and WebSocket streams are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background workers.
	auditCtx, stopAudit := context.WithCancel(context.Background())
	audit := events.NewAuditSink(bus, repo, logger)
	go audit.Run(auditCtx)

	eventLog, err := events.NewEventLog(events.LogConfig{
		Enabled:       cfg.Events.Log.Enabled,
		Dir:           cfg.Events.Log.Dir,
		GlobalEnabled: cfg.Events.Log.GlobalEnabled,
		GlobalPath:    cfg.Events.Log.GlobalPath,
	}, bus, logger)
	if err != nil {
		slog.Error("Failed to initialize event log", "error", err)
		os.Exit(1)
	}
	go eventLog.Run(auditCtx)

	sessions.StartExpiryWorker(ctx)
	slog.Info("Session expiry worker started", "idle_after", cfg.Session.IdleAfter, "ttl", cfg.Session.TTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Let the audit sink drain what was published during shutdown.
	stopAudit()
	select {
	case <-audit.Done():
	case <-shutdownCtx.Done():
		slog.Warn("Audit sink did not stop in time")
	}
	<-eventLog.Done()
	if err := eventLog.Close(); err != nil {
		slog.Warn("Failed to close event log", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func openStore(cfg config.StoreConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "memory":
		slog.Warn("Using in-memory store; state is lost on restart")
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openCache(cfg config.CacheConfig, logger *slog.Logger) (hotcache.Cache, error) {
	if !cfg.Enabled {
		slog.Info("Session cache disabled")
		return hotcache.Nop{}, nil
	}
	bc := hotcache.DefaultConfig(cfg.Dir)
	bc.InMemory = cfg.InMemory
	bc.Logger = logger
	c, err := hotcache.OpenBadger(bc)
	if err != nil {
		return nil, err
	}
	slog.Info("Session cache opened", "dir", cfg.Dir, "in_memory", cfg.InMemory)
	return c, nil
}

func openModel(cfg config.LLMConfig, logger *slog.Logger) (llm.Model, func(), error) {
	switch cfg.Provider {
	case "grpc":
		slog.Info("Connecting to model service via gRPC", "address", cfg.GRPCAddr)
		client, err := llm.NewGRPC(llm.DefaultGRPCConfig(cfg.GRPCAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	case "openai":
		client, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIURL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
