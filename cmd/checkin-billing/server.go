package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/checkin-billing/internal/config"
	"github.com/ehr/checkin-billing/internal/domain/billing"
	"github.com/ehr/checkin-billing/internal/domain/checkin"
	"github.com/ehr/checkin-billing/internal/domain/encounter"
	"github.com/ehr/checkin-billing/internal/platform/auth"
	"github.com/ehr/checkin-billing/internal/platform/db"
	"github.com/ehr/checkin-billing/internal/platform/fhir"
	"github.com/ehr/checkin-billing/internal/platform/middleware"
	"github.com/ehr/checkin-billing/internal/platform/notification"
	"github.com/ehr/checkin-billing/internal/platform/telemetry"
	"github.com/ehr/checkin-billing/internal/platform/upstream"
	"github.com/ehr/checkin-billing/internal/platform/validation"
	"github.com/ehr/checkin-billing/internal/platform/websocket"
)

const sweepInterval = time.Minute

// app holds the wired backends of one server process.
type app struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	amqp  *notification.AMQPSender

	encounters    *encounter.Service
	encounterRepo encounter.Repository
	billing       *billing.Service
	cache         *billing.CachedCatalog
	notifier      *notification.Manager
	registry      *checkin.Registry
	hub           *websocket.Hub
	metrics       *telemetry.Provider
}

// buildApp connects the configured backends. The registry lives until ctx is
// cancelled.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{metrics: telemetry.NewProvider("checkin-billing", version)}

	if cfg.NeedsDatabase() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		logger.Info().Msg("connected to database")
	}

	// Visit history
	var remote encounter.VisitSource
	if cfg.VisitSource == config.SourceFHIR {
		remote = encounter.NewFHIRSource(newUpstream(cfg, cfg.FHIRBaseURL, logger), logger)
	}
	if a.pool != nil {
		a.encounterRepo = encounter.NewRepo(a.pool)
	}
	a.encounters = encounter.NewService(a.encounterRepo, remote)

	// Catalog and bills
	var (
		catalog billing.CatalogSource
		sink    billing.BillSink
		ledger  billing.BillRepository
	)
	switch cfg.BillingSource {
	case config.SourcePostgres:
		ledger = billing.NewBillRepoPG(a.pool)
		local := billing.NewLocalSource(billing.NewCatalogRepoPG(a.pool), ledger)
		catalog, sink = local, local
	default:
		rest := billing.NewRESTSource(newUpstream(cfg, cfg.BillingBaseURL, logger))
		catalog, sink = rest, rest
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.cache = billing.NewCachedCatalog(catalog, a.redis, cfg.CatalogCacheTTL(), logger).
			WithLookupCounter(a.metrics.Counter("catalog_cache_lookups_total",
				"Catalog cache reads by list and result.", "list", "result"))
		catalog = a.cache
		logger.Info().Dur("ttl", cfg.CatalogCacheTTL()).Msg("catalog cache enabled")
	}
	a.billing = billing.NewService(catalog, sink, ledger, logger)

	// Notifications
	senders := []notification.Sender{
		notification.NewLogSender(logger),
		commitCounter{a.metrics.Counter("checkin_bill_commits_total", "Bill commits by outcome.", "outcome")},
	}
	if cfg.AMQPURL != "" {
		sender, err := notification.DialAMQP(cfg.AMQPURL, cfg.AMQPNotifyQueue)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.amqp = sender
		senders = append(senders, sender)
		logger.Info().Str("queue", cfg.AMQPNotifyQueue).Msg("amqp notifications enabled")
	}
	if len(cfg.NotifyWebhookURLs) > 0 {
		endpoints := make([]notification.WebhookEndpoint, 0, len(cfg.NotifyWebhookURLs))
		for _, u := range cfg.NotifyWebhookURLs {
			endpoints = append(endpoints, notification.WebhookEndpoint{URL: strings.TrimSpace(u), Secret: cfg.NotifyWebhookSecret})
		}
		sender, err := notification.NewWebhookSender(&http.Client{Timeout: cfg.UpstreamTimeout()}, endpoints...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("NOTIFY_WEBHOOK_URLS: %w", err)
		}
		senders = append(senders, sender)
		logger.Info().Int("endpoints", len(endpoints)).Msg("webhook notifications enabled")
	}
	a.notifier = notification.NewManager(logger, senders...)

	a.hub = websocket.NewHub(logger)
	publish := draftPublisher(a.hub, logger)
	a.registry = checkin.NewRegistry(ctx, checkin.Config{
		NonPayingValue: cfg.NonPayingAttributeValue,
		Waiver:         checkin.WaiverPolicy{WindowDays: cfg.WaiverWindowDays},
	}, checkin.Deps{
		Visits:    a.encounters,
		Catalog:   a.billing,
		Bills:     a.billing,
		Publisher: publish,
		Notifier:  a.notifier,
		Logger:    logger,
	}, cfg.SessionTTL())

	a.metrics.GaugeFunc("checkin_sessions_active", "Open check-in sessions.", func() int64 {
		return int64(a.registry.Len())
	})
	a.metrics.GaugeFunc("checkin_stream_subscribers", "Connected draft stream subscribers.", func() int64 {
		return int64(a.hub.ClientCount())
	})
	if a.pool != nil {
		a.metrics.GaugeFunc("db_pool_acquired_connections", "Database connections in use.", func() int64 {
			return int64(a.pool.Stat().AcquiredConns())
		})
	}

	return a, nil
}

// commitCounter counts bill commit notifications by event type.
type commitCounter struct {
	counter *telemetry.Counter
}

func (c commitCounter) Send(_ context.Context, e *notification.Event) error {
	c.counter.Inc(string(e.Type))
	return nil
}

// draftEvent is the payload streamed to /checkin-sessions/:id/events.
type draftEvent struct {
	SessionID   string             `json:"session_id"`
	PatientUUID string             `json:"patient_uuid"`
	Draft       *checkin.BillDraft `json:"draft"`
}

// draftPublisher streams every draft change to the session's subscribers.
// Sessions call it while holding their lock, so it must not block.
func draftPublisher(hub *websocket.Hub, logger zerolog.Logger) checkin.PublisherFunc {
	return func(info checkin.ExtraVisitInfo) {
		eventType := "draft.updated"
		if info.Draft == nil {
			eventType = "draft.cleared"
		}
		event, err := websocket.NewEvent(eventType, checkin.SessionTopic(info.SessionID), draftEvent{
			SessionID:   info.SessionID,
			PatientUUID: info.PatientUUID,
			Draft:       info.Draft,
		})
		if err == nil {
			err = hub.Publish(context.Background(), event)
		}
		if err != nil {
			logger.Warn().Err(err).Str("session", info.SessionID).Msg("failed to stream draft update")
		}
	}
}

func newUpstream(cfg *config.Config, baseURL string, logger zerolog.Logger) *upstream.Client {
	return upstream.New(upstream.Options{
		BaseURL:   baseURL,
		Timeout:   cfg.UpstreamTimeout(),
		AuthToken: cfg.UpstreamAuthToken,
		Logger:    logger,
	})
}

// Close disconnects stream subscribers and releases broker, cache and
// database connections.
func (a *app) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) healthChecks() map[string]db.Check {
	checks := map[string]db.Check{}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

func newServer(cfg *config.Config, logger zerolog.Logger, a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()
	e.HTTPErrorHandler = fhir.ErrorHandler

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	e.Use(middleware.RateLimit(rl))

	// Health, version and metrics
	e.GET("/health/live", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health", db.HealthHandler(a.pool, a.healthChecks()))
	e.GET("/metrics", a.metrics.Handler())
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"version":        version,
			"visit_source":   cfg.VisitSource,
			"billing_source": cfg.BillingSource,
		})
	})

	// API groups
	apiV1 := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")

	checkin.NewHandler(a.registry).
		WithStreamer(websocket.NewHandler(a.hub, cfg.CORSOrigins)).
		RegisterRoutes(apiV1)
	billing.NewHandler(a.billing).RegisterRoutes(apiV1)
	if a.encounterRepo != nil {
		encounter.NewHandler(a.encounters).RegisterRoutes(apiV1, fhirGroup)
	}

	staff := apiV1.Group("", auth.RequireRole("admin", "billing"))
	notification.NewHandler(a.notifier).RegisterRoutes(staff)
	if a.cache != nil {
		staff.POST("/catalog/cache/invalidate", func(c echo.Context) error {
			if err := a.cache.Invalidate(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusBadGateway, err.Error())
			}
			return c.NoContent(http.StatusNoContent)
		})
	}

	return e
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests are treated as admin")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialise backends")
		return err
	}
	defer a.Close()

	swept := make(chan struct{})
	go func() {
		a.registry.Run(ctx, sweepInterval)
		close(swept)
	}()

	e := newServer(cfg, logger, a)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("visit_source", cfg.VisitSource).
			Str("billing_source", cfg.BillingSource).
			Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()
	<-swept
	logger.Info().Msg("server stopped")
	return nil
}
