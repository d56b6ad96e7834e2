// ALVA/Bob quotation duet server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/alva-duet/internal/agent"
	"github.com/ashureev/alva-duet/internal/api"
	"github.com/ashureev/alva-duet/internal/chat"
	"github.com/ashureev/alva-duet/internal/config"
	"github.com/ashureev/alva-duet/internal/conversation"
	"github.com/ashureev/alva-duet/internal/domain"
	"github.com/ashureev/alva-duet/internal/health"
	"github.com/ashureev/alva-duet/internal/identity"
	"github.com/ashureev/alva-duet/internal/llm"
	"github.com/ashureev/alva-duet/internal/middleware"
	"github.com/ashureev/alva-duet/internal/retention"
	"github.com/ashureev/alva-duet/internal/store"
	"github.com/ashureev/alva-duet/internal/transcript"
	"github.com/ashureev/alva-duet/internal/tts"
	"github.com/ashureev/alva-duet/web"
)

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

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(healthcheck(cfg))
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	cast, err := agent.LoadCast(cfg.LLM.PersonasFile)
	if err != nil {
		slog.Error("Failed to load personas", "error", err)
		os.Exit(1)
	}

	agents, err := agent.BuildAgents(context.Background(), cast, llm.Options{
		Provider:       cfg.LLM.Provider,
		GeminiAPIKey:   cfg.LLM.GeminiAPIKey,
		GeminiModel:    cfg.LLM.GeminiModel,
		OllamaEndpoint: cfg.LLM.OllamaEndpoint,
		OllamaModel:    cfg.LLM.OllamaModel,
		Timeout:        cfg.LLM.Timeout,
		DummyDelay:     cfg.LLM.DummyDelay,
		Logger:         logger,
	}, agent.Options{
		HistoryWindow: cfg.Conversation.HistoryWindow,
		MaxAttempts:   cfg.Conversation.MaxAttempts,
		RetryDelay:    cfg.Conversation.RetryDelay,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize agents", "error", err)
		os.Exit(1)
	}
	slog.Info("Agents ready", "starter", cast.Starter, "opener", cast.Opener)

	conversationLogger, err := transcript.NewConversationLogger(cfg.ConversationLog, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	recorder := transcript.NewRecorder(repo, conversationLogger, cfg.ConversationLog.QueueSize, logger)

	driver, err := conversation.NewDriver(conversation.Config{
		MaxTurnsPerAgent: cfg.Conversation.MaxTurnsPerAgent,
		PlaybackTimeout:  cfg.Conversation.PlaybackTimeout,
		TurnDelay:        cfg.Conversation.TurnDelay,
		Starter:          cast.Starter,
	}, []conversation.Responder{agents[domain.SpeakerALVA], agents[domain.SpeakerBob]},
		conversation.WithOpener(cast.OpeningLine),
		conversation.WithRecorder(recorder),
		conversation.WithLogger(logger),
	)
	if err != nil {
		slog.Error("Failed to initialize conversation driver", "error", err)
		os.Exit(1)
	}
	registry := conversation.NewRegistry(driver)
	conns := chat.NewConnManager()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo)
	healthHandler := api.NewHealthHandler(repo, registry, conns)
	historyHandler := api.NewHistoryHandler(baseHandler)
	sessionHandler := api.NewSessionHandler(baseHandler, cfg)
	ttsHandler := tts.NewHandler(cfg.TTS, logger)
	wsHandler := chat.NewWebSocketHandler(repo, registry, conns, cfg.FrontendURL, cfg.IsDevelopment(), cfg.ReplayHistory)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	sessionHandler.RegisterRoutes(r)
	historyHandler.RegisterRoutes(r)
	ttsHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket sessions are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retention.Start(ctx, repo, cfg.Retention)

	var grpcHealth *health.Server
	if cfg.GRPCHealthAddr != "" {
		grpcHealth, err = health.Listen(cfg.GRPCHealthAddr, logger)
		if err != nil {
			slog.Error("Failed to start gRPC health service", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := grpcHealth.Serve(); err != nil {
				slog.Error("gRPC health service failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()
	if grpcHealth != nil {
		grpcHealth.SetServing(true)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	if grpcHealth != nil {
		grpcHealth.SetServing(false)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := registry.CloseAll(shutdownCtx); err != nil {
		slog.Warn("Conversation sessions did not stop in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		slog.Warn("Transcript recorder did not drain", "error", err)
	}
	if err := conversationLogger.Close(); err != nil {
		slog.Warn("Failed to close conversation logger", "error", err)
	}
	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	slog.Info("Server stopped successfully")
}

// healthcheck probes the local gRPC health service and returns a process exit code.
func healthcheck(cfg *config.Config) int {
	if cfg.GRPCHealthAddr == "" {
		slog.Error("GRPC_HEALTH_ADDR is not set")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	status, err := health.Check(ctx, cfg.GRPCHealthAddr, health.ServiceName)
	if err != nil {
		slog.Error("Health check failed", "error", err)
		return 1
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		slog.Error("Service not serving", "status", status.String())
		return 1
	}
	return 0
}
