// Chat server with a generative AI backend.
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

	"github.com/cart-inception/multirole-chat-v1/internal/api"
	"github.com/cart-inception/multirole-chat-v1/internal/auth"
	"github.com/cart-inception/multirole-chat-v1/internal/chat"
	"github.com/cart-inception/multirole-chat-v1/internal/config"
	"github.com/cart-inception/multirole-chat-v1/internal/events"
	"github.com/cart-inception/multirole-chat-v1/internal/genai"
	"github.com/cart-inception/multirole-chat-v1/internal/middleware"
	"github.com/cart-inception/multirole-chat-v1/internal/store"
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

	gen, err := buildGenerator(cfg)
	if err != nil {
		slog.Error("Failed to initialize generation client", "error", err)
		os.Exit(1)
	}
	slog.Info("Generation client initialized", "provider", cfg.Generation.Provider)

	// Initialize services.
	hub := events.NewHub(cfg.FrontendURL, cfg.IsDevelopment())
	titler := chat.NewTitler(gen)
	chatSvc := chat.NewService(repo, gen, titler, chat.WithNotifier(hub))
	defer chatSvc.Close()

	authSvc := auth.NewService(repo, cfg.JWTSecret, cfg.TokenTTL)
	limiter := chat.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)

	// Initialize handlers.
	authHandler := auth.NewHandler(authSvc)
	chatHandler := chat.NewHandler(chatSvc, limiter)
	healthHandler := api.NewHealthHandler(repo)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(corsOrigins(cfg)))

	// Public routes.
	authHandler.RegisterPublicRoutes(r)
	healthHandler.RegisterRoutes(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authSvc))
		authHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
		r.Get("/ws/events", hub.ServeHTTP)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket event feed needs long-lived writes
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

func buildGenerator(cfg *config.Config) (genai.Generator, error) {
	var provider genai.Generator
	switch cfg.Generation.Provider {
	case "gemini":
		provider = genai.NewGeminiProvider(cfg.Generation.GeminiAPIKey, cfg.Generation.GeminiModel)
	case "openai":
		provider = genai.NewOpenAIProvider(cfg.Generation.OpenAIAPIKey, cfg.Generation.OpenAIModel)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Generation.Provider)
	}

	return genai.NewClient(provider,
		genai.WithAttemptTimeout(cfg.Generation.AttemptTimeout),
		genai.WithMaxRetries(cfg.Generation.MaxRetries),
	), nil
}

func corsOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL != "" {
		return []string{cfg.FrontendURL}
	}
	return []string{"*"}
}
