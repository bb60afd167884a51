package main

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/auth"
	"github.com/RoseWrightdev/callkit/internal/v1/bus"
	"github.com/RoseWrightdev/callkit/internal/v1/config"
	"github.com/RoseWrightdev/callkit/internal/v1/controller"
	"github.com/RoseWrightdev/callkit/internal/v1/dispatch"
	"github.com/RoseWrightdev/callkit/internal/v1/health"
	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/message"
	"github.com/RoseWrightdev/callkit/internal/v1/messaging"
	"github.com/RoseWrightdev/callkit/internal/v1/middleware"
	"github.com/RoseWrightdev/callkit/internal/v1/mute"
	"github.com/RoseWrightdev/callkit/internal/v1/presence"
	"github.com/RoseWrightdev/callkit/internal/v1/roster"
	"github.com/RoseWrightdev/callkit/internal/v1/token"
	"github.com/RoseWrightdev/callkit/internal/v1/tracing"
	"github.com/RoseWrightdev/callkit/internal/v1/types"
	"github.com/RoseWrightdev/callkit/internal/v1/ui"
)

const serviceName = "callkit-agent"

var errNotLoggedIn = errors.New("messaging session not logged in")

func main() {
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			break
		}
	}

	cfg, err := config.ValidateAgentEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}
	if err := logging.Initialize(cfg.DevelopmentMode, cfg.LogLevel); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Options{
		ServiceName:   serviceName,
		CollectorAddr: cfg.OtelCollectorAddr,
		Insecure:      cfg.DevelopmentMode,
	})
	if err != nil {
		logging.Error(ctx, "Failed to initialize tracing", zap.Error(err))
		os.Exit(1)
	}

	// --- Messaging ---
	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Error(ctx, "Failed to connect to Redis", zap.Error(err))
		os.Exit(1)
	}

	var verifier *auth.Verifier
	if cfg.TokenSecret != "" {
		if verifier, err = auth.NewVerifier(cfg.TokenSecret, cfg.TokenIssuer); err != nil {
			logging.Error(ctx, "Failed to create token verifier", zap.Error(err))
			os.Exit(1)
		}
	}
	backend := bus.NewBackend(busService, bus.Options{Verifier: verifier})

	var tokenOpts []token.ClientOption
	if cfg.TokenAuth != "" {
		tokenOpts = append(tokenOpts, token.WithAuthToken(cfg.TokenAuth))
	}
	tokens, err := token.NewClient(cfg.TokenURL, tokenOpts...)
	if err != nil {
		logging.Error(ctx, "Invalid token server URL", zap.Error(err))
		os.Exit(1)
	}

	uid := cfg.RTCUID
	if !uid.IsKnown() {
		uid = types.RosterID(rand.Uint32N(1<<31-1) + 1)
	}
	identity := message.NewLocalIdentity(message.LocalIdentityOptions{
		VendorID: cfg.DeviceID,
		RosterID: uid,
		Username: cfg.DisplayName,
		Role:     cfg.ClientRole,
	})
	session, err := messaging.NewSession(backend, messaging.Options{Identity: identity, Tokens: tokens})
	if err != nil {
		logging.Error(ctx, "Failed to create messaging session", zap.Error(err))
		os.Exit(1)
	}

	// --- Call ---
	uiQueue := dispatch.NewQueue("ui")
	engine := newHeadlessEngine(tokens)
	model := roster.NewModel(uiQueue, engine)
	directory := presence.NewDirectory(model)

	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	var bridge *ui.Bridge
	var prompter ui.Prompter = ui.AutoDecline{}
	if cfg.UIBridgeAddr != "" {
		bridge = ui.NewBridge(ui.BridgeOptions{AllowedOrigins: allowedOrigins})
		prompter = bridge
	}

	negotiator, err := mute.NewNegotiator(mute.Config{
		Sender:   session,
		Resolver: directory,
		Roster:   model,
		Prompter: prompter,
		UI:       uiQueue,
	})
	if err != nil {
		logging.Error(ctx, "Failed to create mute negotiator", zap.Error(err))
		os.Exit(1)
	}
	ctrl, err := controller.New(controller.Config{
		Session:    session,
		Directory:  directory,
		Negotiator: negotiator,
		Roster:     model,
		UI:         uiQueue,
	})
	if err != nil {
		logging.Error(ctx, "Failed to create controller", zap.Error(err))
		os.Exit(1)
	}
	// The engine mirrors channel identities into call membership.
	engine.attach(ctrl, ctrl)
	session.SetSink(engine)
	if bridge != nil {
		bridge.SetCommands(ctrl)
	}

	// --- GUI bridge ---
	var srv *http.Server
	if bridge != nil {
		if !cfg.DevelopmentMode {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger())

		healthHandler := health.NewHandler(busService)
		healthHandler.AddCheck("messaging", func(context.Context) error {
			if !session.Status().IsLoggedIn() {
				return errNotLoggedIn
			}
			return nil
		})
		healthHandler.Register(router)
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		router.GET("/ui", gin.WrapH(bridge))

		srv = &http.Server{Addr: cfg.UIBridgeAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logging.Info(ctx, "UI bridge listening", zap.String("addr", cfg.UIBridgeAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(ctx, "UI bridge failed", zap.Error(err))
				_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
			}
		}()
	}

	callCtx := logging.WithChannel(ctx, cfg.Channel)
	if err := engine.JoinCall(callCtx, cfg.Channel, uid, ""); err != nil {
		logging.Error(callCtx, "Failed to join call", zap.Error(err))
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := engine.LeaveCall(callCtx); err != nil {
		logging.Error(callCtx, "Failed to leave call", zap.Error(err))
	}

	loggedOut := make(chan error, 1)
	session.Logout(shutdownCtx, func(err error) { loggedOut <- err })
	select {
	case err := <-loggedOut:
		if err != nil {
			logging.Warn(ctx, "Messaging logout failed", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logging.Warn(ctx, "Messaging logout timed out")
	}
	session.Close()
	uiQueue.Close()

	if bridge != nil {
		bridge.Close()
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "UI bridge forced to shutdown", zap.Error(err))
		}
	}
	if err := backend.Close(); err != nil {
		logging.Error(ctx, "Failed to close messaging backend", zap.Error(err))
	}
	if err := busService.Close(); err != nil {
		logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logging.Error(ctx, "Failed to flush traces", zap.Error(err))
	}
	logging.Info(ctx, "Agent exiting")
	_ = logging.GetLogger().Sync()
}
