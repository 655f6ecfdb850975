// Command gateway runs the WebSocket Gateway alongside the Presence and
// Voice Coordinators' HTTP surfaces, all sharing one Redis-backed Pub/Sub
// Fabric connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/auth"
	"github.com/discordant/realtime-core/internal/bus"
	"github.com/discordant/realtime-core/internal/config"
	"github.com/discordant/realtime-core/internal/gateway"
	"github.com/discordant/realtime-core/internal/health"
	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/middleware"
	"github.com/discordant/realtime-core/internal/obs"
	"github.com/discordant/realtime-core/internal/presence"
	"github.com/discordant/realtime-core/internal/ratelimit"
	"github.com/discordant/realtime-core/internal/voice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

type fatalError struct {
	code int
	err  error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func exitCodeFor(err error) int {
	var fe *fatalError
	if errors.As(err, &fe) {
		return fe.code
	}
	return 1
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("GATEWAY_CONFIG_FILE"), "path to a TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return &fatalError{code: 1, err: fmt.Errorf("load config: %w", err)}
	}

	if err := logging.Initialize(cfg.Env != "production"); err != nil {
		return &fatalError{code: 1, err: fmt.Errorf("initialize logging: %w", err)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := obs.InitTracer(ctx, "gateway", cfg.OTELCollectorAddr)
	if err != nil {
		return &fatalError{code: 2, err: fmt.Errorf("init tracing: %w", err)}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	validator, err := auth.NewValidator(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)
	if err != nil {
		return &fatalError{code: 1, err: fmt.Errorf("build token validator: %w", err)}
	}

	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return &fatalError{code: 2, err: fmt.Errorf("connect to pub/sub fabric: %w", err)}
	}
	defer busService.Close()

	rl, err := ratelimit.New(cfg, busService.Client())
	if err != nil {
		return &fatalError{code: 2, err: fmt.Errorf("build rate limiter: %w", err)}
	}

	presenceCoord := presence.New(busService.Client(), busService, cfg.PresenceGraceWindow, cfg.PresenceLivenessWindow)
	voiceCoord := voice.New(busService.Client(), busService, rl, voice.Config{
		SFUBaseURL:       cfg.SFU.BaseURL,
		SFUAPIKey:        cfg.SFU.APIKey,
		SFUAPISecret:     cfg.SFU.APISecret,
		SFUWebhookSecret: cfg.SFU.WebhookSecret,
		AllowPrivateHost: cfg.SFU.AllowPrivateHost,
		TURNEnabled:      cfg.TURN.Enabled,
		TURNSecret:       cfg.TURN.Secret,
		TURNRealm:        cfg.TURN.Realm,
		TURNTTL:          cfg.TURN.TTL,
		TURNURIs:         cfg.TURN.URIs,
		STUNURIs:         cfg.TURN.STUNURIs,
		MaxParticipants:  cfg.VoiceMaxParticipants,
		EmptyTimeout:     cfg.VoiceEmptyTimeout,
		TokenTTL:         cfg.SFU.TokenTTL,
	})

	var wg sync.WaitGroup
	presenceCoord.StartSweeper(&wg)
	voiceCoord.StartSweeper(&wg)

	hub := gateway.NewHub(ctx, validator, busService, presenceCoord, rl, cfg.AllowedOrigins, cfg.ChatCollaboratorURL)
	healthHandler := health.NewHandler(busService, cfg.SFU.BaseURL)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(obs.GinMiddleware("gateway"))
	router.Use(middleware.Recovery(), middleware.CorrelationID(), middleware.RequestLogger())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.AllowedOrigins
	corsCfg.AllowCredentials = true
	router.Use(cors.New(corsCfg))

	if rl != nil {
		router.Use(rl.Middleware())
	}

	router.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	if cfg.MonitoringEnabled {
		router.GET(cfg.MonitoringPath, gin.WrapH(promhttp.Handler()))
	}

	// hub.ServeWS and the SFU webhook each verify their own credentials
	// (bearer token pulled from the WS upgrade request, HMAC signature from
	// the SFU, respectively), so they're mounted outside the auth group.
	hub.RegisterRoutes(router)
	voiceCoord.RegisterWebhookRoute(router)

	authed := router.Group("/")
	authed.Use(middleware.Auth(validator))
	presenceCoord.RegisterRoutes(authed)
	voiceCoord.RegisterRoutes(authed)

	srv := &http.Server{
		Addr:    cfg.GatewayBindAddr,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Info(ctx, "gateway listening", zap.String("addr", cfg.GatewayBindAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return &fatalError{code: 2, err: fmt.Errorf("gateway server failed: %w", err)}
		}
	case <-ctx.Done():
		logging.Info(context.Background(), "shutting down gateway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(context.Background(), "gateway server forced to shutdown", zap.Error(err))
	}
	hub.Shutdown(30 * time.Second)
	presenceCoord.Stop()
	voiceCoord.Stop()
	wg.Wait()

	logging.Info(context.Background(), "gateway exited cleanly")
	return nil
}
