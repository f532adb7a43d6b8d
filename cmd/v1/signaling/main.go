package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/huddlehq/huddle/backend/go/internal/v1/auth"
	"github.com/huddlehq/huddle/backend/go/internal/v1/callstore"
	"github.com/huddlehq/huddle/backend/go/internal/v1/config"
	"github.com/huddlehq/huddle/backend/go/internal/v1/health"
	"github.com/huddlehq/huddle/backend/go/internal/v1/logging"
	"github.com/huddlehq/huddle/backend/go/internal/v1/media"
	"github.com/huddlehq/huddle/backend/go/internal/v1/middleware"
	"github.com/huddlehq/huddle/backend/go/internal/v1/ratelimit"
	"github.com/huddlehq/huddle/backend/go/internal/v1/registry"
	"github.com/huddlehq/huddle/backend/go/internal/v1/relay"
	"github.com/huddlehq/huddle/backend/go/internal/v1/tracing"
	"github.com/huddlehq/huddle/backend/go/internal/v1/types"
	"github.com/huddlehq/huddle/backend/go/pkg/sfu"
)

func main() {
	// Load .env file for local development.
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

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	defer func() { _ = logging.GetLogger().Sync() }()

	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// --- Tracing (optional, collector address gated) ---
	if collector := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collector != "" {
		tp, err := tracing.InitTracer(ctx, "signaling", collector)
		if err != nil {
			logging.Warn(ctx, "Tracing disabled, collector unreachable", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Token verifiers ---
	// The guest issuer always runs first so guest tokens never hit the
	// JWKS endpoint; the chain falls through to the OIDC validator.
	guestIssuer, err := auth.NewGuestTokenIssuer(cfg.JWTSecret, cfg.GuestTokenTTL)
	if err != nil {
		logging.Fatal(ctx, "Failed to create guest token issuer", zap.Error(err))
	}

	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		logging.Warn(ctx, "⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
		skipAuth = true
	}

	var primary types.TokenVerifier
	if skipAuth {
		logging.Warn(ctx, "⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		primary = &auth.MockValidator{}
	} else {
		validator, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
		}
		logging.Info(ctx, "✅ Auth0 validator initialized",
			zap.String("domain", cfg.Auth0Domain), zap.String("audience", cfg.Auth0Audience))
		primary = validator
	}

	verifier, err := auth.NewMultiVerifier(guestIssuer, primary)
	if err != nil {
		logging.Fatal(ctx, "Failed to assemble verifier chain", zap.Error(err))
	}

	// --- Call store (Redis with in-memory fallback) ---
	var store types.CallStore
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisStore, err := callstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, call records will not survive restarts", zap.Error(err))
			store = callstore.NewMemoryStore()
		} else {
			logging.Info(ctx, "✅ Redis call store initialized", zap.String("addr", cfg.RedisAddr))
			store = redisStore
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		}
	} else {
		logging.Info(ctx, "Redis disabled, using in-memory call store")
		store = callstore.NewMemoryStore()
	}

	// --- Media worker ---
	worker, err := sfu.NewWorker(sfu.Config{
		ListenIP:    cfg.MediasoupListenIP,
		AnnouncedIP: cfg.MediasoupAnnouncedIP,
		MinPort:     uint16(cfg.MediasoupMinPort),
		MaxPort:     uint16(cfg.MediasoupMaxPort),
	})
	if err != nil {
		logging.Fatal(ctx, "Failed to start media worker", zap.Error(err))
	}

	// The watchdog flips readiness before the process dies, so the
	// orchestrator stops routing new connections first.
	var workerAlive atomic.Bool
	workerAlive.Store(true)
	go func() {
		err := <-worker.Died()
		workerAlive.Store(false)
		logging.Error(ctx, "Media worker died, exiting for supervisor restart", zap.Error(err))
		time.Sleep(3 * time.Second)
		logging.Fatal(ctx, "Media worker unrecoverable", zap.Error(err))
	}()

	// --- Room registry + media session ---
	rooms := registry.New(registry.Options{
		Store:         store,
		GracePeriod:   cfg.ReapGracePeriod,
		SweepInterval: cfg.RoomSweepInterval,
		EmptyTTL:      cfg.RoomEmptyTTL,
	})
	mediaSession := media.New(worker, rooms)
	rooms.SetMediaProvider(mediaSession)

	// --- Rate limits + hub ---
	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiter", zap.Error(err))
	}

	hub := relay.NewHub(rooms, mediaSession, verifier, limiter, cfg)

	// --- HTTP surface ---
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("signaling"))

	corsConfig := cors.DefaultConfig()
	if origins := cfg.ParseAllowedOrigins(); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)

	apiV1 := router.Group("/api/v1")
	{
		apiV1.POST("/guest-token", limiter.GuestTokenMiddleware(), guestTokenHandler(guestIssuer, cfg.GuestTokenTTL))
	}

	healthHandler := health.NewHandler(store, workerAlive.Load)
	router.GET("/healthz", healthHandler.Liveness)
	router.GET("/readyz", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		logging.Info(ctx, "Signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting new sockets before tearing down the ones we have.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}
	hub.Shutdown(shutdownCtx)
	rooms.Stop()
	if err := worker.Close(); err != nil {
		logging.Error(ctx, "Error closing media worker", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		logging.Error(ctx, "Error closing call store", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}

type guestTokenRequest struct {
	Name string `json:"name" binding:"required"`
}

// guestTokenHandler mints a short-lived guest identity. The minted
// token is verified locally to surface the generated guest id in the
// response without re-parsing claims by hand.
func guestTokenHandler(issuer *auth.GuestTokenIssuer, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req guestTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}

		expiresAt := time.Now().Add(ttl)
		token, err := issuer.Issue(req.Name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		identity, err := issuer.Verify(c.Request.Context(), token)
		if err != nil {
			logging.Error(c.Request.Context(), "Minted guest token failed self-verification", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint guest token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token":       token,
			"userId":      identity.UserId,
			"displayName": identity.DisplayName,
			"expiresAt":   expiresAt.UTC().Format(time.RFC3339),
		})
	}
}
