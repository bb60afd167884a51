package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/auth"
	"github.com/RoseWrightdev/callkit/internal/v1/bus"
	"github.com/RoseWrightdev/callkit/internal/v1/config"
	"github.com/RoseWrightdev/callkit/internal/v1/health"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/ratelimit"
	"github.com/RoseWrightdev/callkit/internal/v1/token"
	"github.com/RoseWrightdev/callkit/internal/v1/tracing"
)

const serviceName = "callkit-tokenserver"

func main() {
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Options{
		ServiceName:   serviceName,
		CollectorAddr: cfg.OtelCollectorAddr,
		Insecure:      cfg.DevelopmentMode,
	})
	if err != nil {
		logging.Error(ctx, "Failed to initialize tracing", zap.Error(err))
		os.Exit(1)
	}

	var validator auth.TokenValidator
	switch {
	case cfg.SkipAuth || (cfg.DevelopmentMode && (cfg.AuthDomain == "" || cfg.AuthAudience == "")):
		logging.Warn(ctx, "Caller authentication DISABLED, any bearer token is accepted - DO NOT USE IN PRODUCTION")
		validator = auth.MockValidator{}
	default:
		v, err := auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Error(ctx, "Failed to create auth validator", zap.Error(err))
			os.Exit(1)
		}
		validator = v
		logging.Info(ctx, "Caller authentication enabled", zap.String("domain", cfg.AuthDomain))
	}

	// Redis only backs the rate limiter here; without it limits are per instance.
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, using in-memory rate limits", zap.Error(err))
			busService = nil
		}
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Error(ctx, "Failed to create rate limiter", zap.Error(err))
		os.Exit(1)
	}

	signer, err := auth.NewSigner(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		logging.Error(ctx, "Failed to create token signer", zap.Error(err))
		os.Exit(1)
	}

	router := token.NewRouter(token.RouterOptions{
		Signer:         signer,
		Validator:      validator,
		Limiter:        limiter,
		Health:         health.NewHandler(busService),
		AllowedOrigins: auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"}),
		ServiceName:    serviceName,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info(ctx, "Token server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down token server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}
	if err := busService.Close(); err != nil {
		logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logging.Error(ctx, "Failed to flush traces", zap.Error(err))
	}
	logging.Info(ctx, "Token server exiting")
	_ = logging.GetLogger().Sync()
}
