package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roadwatch/dispatch-server-go/internal/auth"
	"github.com/roadwatch/dispatch-server-go/internal/bridge"
	"github.com/roadwatch/dispatch-server-go/internal/config"
	"github.com/roadwatch/dispatch-server-go/internal/database"
	"github.com/roadwatch/dispatch-server-go/internal/dispatch"
	"github.com/roadwatch/dispatch-server-go/internal/handler"
	"github.com/roadwatch/dispatch-server-go/internal/jobs"
	"github.com/roadwatch/dispatch-server-go/internal/location"
	"github.com/roadwatch/dispatch-server-go/internal/metrics"
	"github.com/roadwatch/dispatch-server-go/internal/middleware"
	"github.com/roadwatch/dispatch-server-go/internal/redis"
	"github.com/roadwatch/dispatch-server-go/internal/registry"
	"github.com/roadwatch/dispatch-server-go/internal/repository"
	"github.com/roadwatch/dispatch-server-go/internal/service"
	"github.com/roadwatch/dispatch-server-go/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(rootCtx, cfg.DatabaseURL, database.PoolFor(cfg.DispatchConcurrency))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("database connected")

	if err := db.Migrate(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	redisClient, err := redis.NewClient(rootCtx, cfg.RedisURL, cfg.DispatchConcurrency+config.RedisReservedConns)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	collector := metrics.NewCollector(nil)

	notificationRepo := repository.NewNotificationRepository(db.DB)
	hazardRepo := repository.NewHazardRepository(db.DB)
	userRepo := repository.NewUserRepository(db.DB)

	gate := auth.NewGate(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	sessions := registry.New(gate, notificationRepo)
	sessions.OnChange(collector.SetActiveSessions)
	locations := location.NewCache()

	dispatchOpts := []dispatch.Option{
		dispatch.WithConcurrency(cfg.DispatchConcurrency),
		dispatch.WithMetrics(collector),
	}
	if cfg.RescanSuppressWindow > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithSuppressor(redis.NewSuppressor(redisClient.Client, cfg.RescanSuppressWindow)))
		log.Info().Dur("window", cfg.RescanSuppressWindow).Msg("rescan suppression enabled")
	}
	dispatcher := dispatch.New(notificationRepo, sessions, locations, dispatchOpts...)

	var (
		subscriber bridge.Subscriber
		publisher  bridge.Publisher
	)
	switch cfg.BridgeBackend {
	case config.BridgeBackendPostgres:
		pg := bridge.NewPostgresNotify(cfg.DatabaseURL, db.DB)
		subscriber, publisher = pg, pg
	default:
		consumer, _ := os.Hostname()
		if consumer == "" {
			consumer = "dispatch"
		}
		streams := bridge.NewRedisStreams(redisClient.Client, cfg.BridgeConsumerGroup, consumer).
			WithReclaim(cfg.BridgeClaimMinIdle, cfg.BridgeClaimInterval)
		subscriber, publisher = streams, streams
	}
	ingestion := bridge.New(subscriber, dispatcher, cfg.BridgeTopic, cfg.BridgeMaxBackoff, collector)

	scheduler := jobs.NewScheduler(collector)
	rescan := jobs.NewRescanJob(hazardRepo, dispatcher)
	retention := jobs.NewRetentionJob(notificationRepo, cfg.RetentionWindow())
	if err := scheduler.Add(rescan.Task(cfg.RescanInterval, config.RescanJobTimeout)); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule rescan")
	}
	if err := scheduler.Add(retention.Task(cfg.RetentionSweepInterval, config.RetentionJobTimeout)); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule retention sweep")
	}

	inboxService := service.NewInboxService(notificationRepo, sessions)
	triggerService := service.NewTriggerService(
		dispatcher, hazardRepo, userRepo, publisher,
		cfg.BridgeTopic, cfg.SignRadiusKm, cfg.ReportRadiusKm,
	)

	authMiddleware := middleware.NewAuthMiddleware(gate)
	limiter := middleware.NewRedisRateLimiter(redisClient.Client)
	apiRateLimit := middleware.NewRateLimitMiddleware(limiter, config.DefaultRateLimitPerMin, "api")
	handshakeRateLimit := middleware.NewRateLimitMiddleware(limiter, config.DefaultRateLimitPerMin, "ws")
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(middleware.DefaultMaxBodySize).
		WithPrefix("/admin/", middleware.DispatchMaxBodySize)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	socketHandler := handler.NewSocketHandler(ws.NewUpgrader(cfg.AllowedOrigins), sessions, locations, userRepo, collector)
	notificationHandler := handler.NewNotificationHandler(inboxService)
	adminHandler := handler.NewAdminHandler(triggerService, sessions, locations, scheduler)
	healthHandler := handler.NewHealthHandler(config.DBPingTimeout, map[string]handler.PingFunc{
		"database": db.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", collector.Handler())

	// The socket route is long-lived, so it sits outside the request timeout.
	r.With(handshakeRateLimit.Handler).Get("/ws", socketHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(authMiddleware.Handler)
		r.Use(apiRateLimit.Handler)

		r.Mount("/v1/notifications", notificationHandler.Routes())

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Mount("/", adminHandler.Routes())
		})
	})

	ingestion.Start(rootCtx)
	scheduler.Start(rootCtx)

	// No WriteTimeout: it would cut off hijacked websocket connections.
	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		IdleTimeout: config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	sessions.CloseAll()
	ingestion.Stop()
	scheduler.Stop()

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
