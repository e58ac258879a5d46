package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/auth"
	"github.com/psolyx/envgate/internal/v1/bus"
	"github.com/psolyx/envgate/internal/v1/config"
	"github.com/psolyx/envgate/internal/v1/cursor"
	"github.com/psolyx/envgate/internal/v1/health"
	"github.com/psolyx/envgate/internal/v1/hub"
	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/middleware"
	"github.com/psolyx/envgate/internal/v1/presence"
	"github.com/psolyx/envgate/internal/v1/ratelimit"
	"github.com/psolyx/envgate/internal/v1/registry"
	"github.com/psolyx/envgate/internal/v1/replay"
	"github.com/psolyx/envgate/internal/v1/retention"
	"github.com/psolyx/envgate/internal/v1/sequencer"
	"github.com/psolyx/envgate/internal/v1/session"
	"github.com/psolyx/envgate/internal/v1/sibling"
	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/tracing"
	"github.com/psolyx/envgate/internal/v1/transport"
	"github.com/psolyx/envgate/internal/v1/types"
)

// fanout multiplexes accepted envelopes to the local hub and, when
// configured, the cross-gateway relay.
type fanout struct {
	hub   *hub.Hub
	relay *bus.Relay
}

func (f *fanout) Publish(ctx context.Context, row types.EnvelopeRow) {
	f.hub.Publish(ctx, row)
	if f.relay != nil {
		f.relay.Publish(ctx, row)
	}
}

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err == nil {
		logging.Info(context.Background(), "loaded environment from .env")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(context.Background(), "invalid configuration", zap.Error(err))
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		logging.Fatal(context.Background(), "failed to initialize logger", zap.Error(err))
	}
	ctx := context.Background()

	// --- Tracing (optional) ---
	if cfg.OtelEnabled {
		tp, err := tracing.InitTracer(ctx, "envgate", cfg.OtelEndpoint)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize tracing", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	// --- Auth validator ---
	var validator auth.TokenValidator
	switch {
	case cfg.SkipAuth:
		logging.Warn(ctx, "authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	case cfg.AuthHS256Secret != "":
		validator = auth.NewHS256Validator(cfg.AuthHS256Secret)
		logging.Info(ctx, "HS256 auth validator initialized")
	default:
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to create auth validator", zap.Error(err))
		}
		validator = v
		logging.Info(ctx, "JWKS auth validator initialized", zap.String("domain", cfg.Auth0Domain))
	}

	// --- Redis (optional): rate-limit store, presence, relay ---
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient, err = bus.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to Redis", zap.Error(err))
		}
		defer func() { _ = redisClient.Close() }()
		logging.Info(ctx, "connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	// --- Store ---
	st, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		logging.Fatal(ctx, "failed to open store", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// --- Core services ---
	presenceTracker := presence.New(redisClient)

	sessions := session.NewManager(st, validator, cfg.SessionTTL, cfg.ResumeTTL, cfg.MaxSessionsPerUser,
		session.WithPresence(presenceTracker))

	reg := registry.New(st)
	cursors := cursor.New(st)
	replayEngine := replay.New(st, cursors)

	fanoutHub := hub.New(replayEngine, replayEngine, hub.Config{
		QueueLen:                   cfg.SubscriptionQueueLen,
		SlowConsumerGrace:          cfg.SlowConsumerGrace,
		MaxSubscriptionsPerSession: cfg.MaxSubscriptionsPerSession,
	})
	reg.SetRemovalWatcher(fanoutHub)

	var relay *bus.Relay
	if cfg.RelayEnabled {
		relay = bus.NewRelay(redisClient, cfg.GatewayID)
		relay.Subscribe(ctx, func(ctx context.Context, row types.EnvelopeRow) {
			fanoutHub.Publish(ctx, row)
		})
		defer func() { _ = relay.Close() }()
		logging.Info(ctx, "cross-gateway relay enabled", zap.String("gateway_id", cfg.GatewayID))
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to create rate limiter", zap.Error(err))
	}

	coordinator := sequencer.New(st, reg, &fanout{hub: fanoutHub, relay: relay}, cfg.MaxEnvBytes,
		sequencer.WithQuota(limiter))

	gateway := transport.NewGateway(sessions, reg, coordinator, fanoutHub, cursors, transport.Limits{
		PingInterval:     cfg.PingInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		AllowedOrigins:   cfg.AllowedOriginList(),
		GatewayID:        cfg.GatewayID,
	},
		transport.WithConnectLimiter(limiter),
		transport.WithPresence(presenceTracker),
	)

	// --- Retention sweeper ---
	sweeper := retention.New(st, sessions, store.RetentionPolicy{
		MaxRetained: cfg.MaxRetained,
		RetainFor:   time.Duration(cfg.RetainMS) * time.Millisecond,
	}, cfg.PruneInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// --- Sibling proxies ---
	keypkg := sibling.NewClient("keypackages", cfg.SiblingKeypkgURL)
	social := sibling.NewClient("social", cfg.SiblingSocialURL)

	// --- Router ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelEnabled {
		router.Use(otelgin.Middleware("envgate"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOriginList()
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	healthHandler := health.NewHandler(st)
	router.GET("/healthz", healthHandler.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessionAuth := middleware.SessionAuth(sessions, presenceTracker)

	router.GET("/v1/ws", gateway.ServeWs)
	router.GET("/v1/sse", sessionAuth, gateway.ServeSSE)

	v1 := router.Group("/v1")
	v1.Use(limiter.GlobalMiddleware())
	{
		sess := v1.Group("/session")
		{
			sess.POST("/start", gateway.StartSession)
			sess.POST("/resume", gateway.ResumeSession)
			sess.GET("/list", sessionAuth, gateway.ListSessions)
			sess.POST("/revoke", sessionAuth, gateway.RevokeSession)
			sess.POST("/logout", sessionAuth, gateway.Logout)
			sess.POST("/logout_all", sessionAuth, gateway.LogoutAll)
		}

		rooms := v1.Group("/rooms", sessionAuth, limiter.RoomsMiddleware())
		{
			rooms.POST("/create", gateway.CreateRoom)
			rooms.POST("/invite", gateway.InviteMember)
			rooms.POST("/remove", gateway.RemoveMember)
			rooms.POST("/promote", gateway.PromoteMember)
			rooms.POST("/demote", gateway.DemoteMember)
			rooms.GET("/members", gateway.ListRoomMembers)
		}

		v1.POST("/inbox", sessionAuth, limiter.MessagesMiddleware(), gateway.Inbox)
		v1.POST("/dms/create", sessionAuth, gateway.CreateDM)

		v1.POST("/keypackages", sessionAuth, keypkg.Handler("/v1/keypackages"))
		v1.POST("/keypackages/fetch", sessionAuth, keypkg.Handler("/v1/keypackages/fetch"))
		v1.Any("/social/*rest", sessionAuth, social.Handler("/v1/social"))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		logging.Info(ctx, "gateway listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := fanoutHub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "hub shutdown incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "gateway exited")
}
