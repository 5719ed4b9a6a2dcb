// Dialogos - Guided Socratic Dialogue Server
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

	"github.com/ashureev/dialogos/internal/api"
	"github.com/ashureev/dialogos/internal/config"
	"github.com/ashureev/dialogos/internal/engine"
	"github.com/ashureev/dialogos/internal/generator"
	"github.com/ashureev/dialogos/internal/metrics"
	"github.com/ashureev/dialogos/internal/middleware"
	"github.com/ashureev/dialogos/internal/store"
	"github.com/ashureev/dialogos/internal/stream"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	// Pick the generation backend: Gemini when a key is configured, the
	// deterministic local generator otherwise.
	var questions generator.QuestionGenerator
	var insights generator.InsightGenerator
	if cfg.GeminiAPIKey != "" {
		client, err := generator.NewGenAIClient(context.Background(), cfg.GeminiAPIKey, cfg.GenAIModel, logger)
		if err != nil {
			slog.Error("Failed to initialize GenAI client", "error", err)
			os.Exit(1)
		}
		questions, insights = client, client
		slog.Info("GenAI generator initialized", "model", cfg.GenAIModel)
	} else {
		questions, insights = generator.Local{}, generator.Local{}
		slog.Info("GEMINI_API_KEY not set, using local deterministic generator")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engineMetrics := metrics.New(registry)

	hub := stream.NewHub(cfg.StreamBufferSize)

	eng := engine.New(repo, questions, insights, engine.Config{
		MaxRound:          cfg.MaxRound,
		MinResponseLength: cfg.MinResponseLength,
		GenerationTimeout: cfg.GenerationTimeout,
		SynthesisTimeout:  cfg.SynthesisTimeout,
	}, engineMetrics, hub, logger)

	// Initialize handlers.
	dialogueHandler := api.NewDialogueHandler(eng)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := stream.NewWebSocketHandler(repo, hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	healthHandler.RegisterHealth(r)
	dialogueHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// WebSocket endpoint for live transcript streaming.
	r.Get("/ws/dialogue", wsHandler.ServeHTTP)

	// Create server. WriteTimeout stays generous because generation calls
	// block the request for up to the synthesis timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.SynthesisTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start idle sweeper.
	engine.StartIdleSweeper(ctx, eng, cfg.IdleSessionTTL)

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
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
