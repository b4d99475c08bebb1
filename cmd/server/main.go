// CodeCanvas - design-to-code generation server
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

	"github.com/avdeyev/codecanvas/internal/api"
	"github.com/avdeyev/codecanvas/internal/audit"
	"github.com/avdeyev/codecanvas/internal/config"
	"github.com/avdeyev/codecanvas/internal/generate"
	"github.com/avdeyev/codecanvas/internal/identity"
	"github.com/avdeyev/codecanvas/internal/live"
	"github.com/avdeyev/codecanvas/internal/middleware"
	"github.com/avdeyev/codecanvas/internal/regen"
	"github.com/avdeyev/codecanvas/internal/store"
	"github.com/avdeyev/codecanvas/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	// Upstream generator client (optional: without it the app serves stored
	// records read-only).
	var gen generate.Streamer
	if cfg.GeneratorEnabled() {
		client, err := generate.NewClient(generate.Config{
			BaseURL: cfg.Generator.BaseURL,
			APIKey:  cfg.Generator.APIKey,
			Timeout: cfg.Generator.StreamTimeout,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize generator client", "error", err)
			os.Exit(1)
		}
		gen = client
		slog.Info("Generator client initialized", "base_url", cfg.Generator.BaseURL)
	} else {
		slog.Info("Generation disabled (GENERATOR_URL not set)")
	}

	genLog, err := audit.NewLogger(audit.Config{
		Enabled:   cfg.GenerationLog.Enabled,
		Dir:       cfg.GenerationLog.Dir,
		QueueSize: cfg.GenerationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize generation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := genLog.Close(); closeErr != nil {
			slog.Error("Failed to close generation logger", "error", closeErr)
		}
	}()

	// Initialize services.
	registry := regen.NewRegistry(repo, gen, cfg.MaxRegenAttempts)
	preview := live.NewManager()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, registry, gen, preview, genLog, cfg)
	recordHandler := api.NewRecordHandler(baseHandler)
	wsHandler := live.NewWebSocketHandler(preview, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// All routes use identity middleware (no auth needed).
	recordHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/preview", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE generation streams require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start controller eviction worker.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	regen.StartEvictionWorker(ctx, registry, cfg.ControllerTTL)

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
