package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/lhp/internal/config"
	"github.com/ehr/lhp/internal/domain/encounter"
	"github.com/ehr/lhp/internal/domain/lhp"
	"github.com/ehr/lhp/internal/domain/pipeline"
	"github.com/ehr/lhp/internal/domain/suggestion"
	"github.com/ehr/lhp/internal/platform/auth"
	"github.com/ehr/lhp/internal/platform/blobstore"
	"github.com/ehr/lhp/internal/platform/db"
	"github.com/ehr/lhp/internal/platform/extraction"
	"github.com/ehr/lhp/internal/platform/middleware"
	"github.com/ehr/lhp/internal/platform/queue"
	"github.com/ehr/lhp/internal/platform/telemetry"
	"github.com/ehr/lhp/internal/platform/websocket"
)

const version = "0.1.0"

// app holds the dependencies shared by serve and worker.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool      *pgxpool.Pool
	telemetry *telemetry.Provider
	redis     *redis.Client
	queue     queue.Queue
	blobs     blobstore.Store
	hub       *websocket.Hub
	publisher websocket.EventPublisher

	events       *encounter.Service
	profiles     *lhp.Service
	suggestions  *suggestion.Service
	orchestrator *pipeline.Orchestrator
}

func eventsChannel(cfg *config.Config) string { return cfg.QueueName + ":events" }

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: websocket.NewHub()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		return nil, err
	}
	if a.telemetry.Enabled() {
		logger = newLogger(cfg.Env, telemetry.NewLogWriter())
		a.logger = logger
	}

	a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	switch cfg.QueueBackend {
	case "redis":
		a.redis, err = queue.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.queue = queue.NewRedisQueue(a.redis, cfg.QueueName)
		a.publisher = websocket.NewRedisPublisher(a.redis, eventsChannel(cfg))
		logger.Info().Str("queue", cfg.QueueName).Msg("using redis job queue")
	default:
		a.queue = queue.NewMemoryQueue(0)
		a.publisher = a.hub
	}

	a.blobs, err = blobstore.New(ctx, blobstore.Config{Backend: cfg.BlobBackend, Bucket: cfg.S3Bucket, Region: cfg.S3Region})
	if err != nil {
		return nil, err
	}
	extractor, err := extraction.New(extraction.Config{
		Mode:    cfg.ExtractionMode,
		URL:     cfg.ExtractionURL,
		Timeout: cfg.ExtractionTimeout,
	}, a.blobs)
	if err != nil {
		return nil, err
	}

	a.events = encounter.NewService(encounter.NewRepoPG(a.pool))
	a.profiles = lhp.NewService(lhp.NewRepoPG(a.pool))
	a.suggestions = suggestion.NewService(suggestion.NewRepoPG(a.pool), a.profiles, db.NewTxRunner(a.pool), a.publisher)
	a.orchestrator = pipeline.NewOrchestrator(a.queue, a.events, a.suggestions, extractor, pipeline.Options{
		SuggestionDelay: cfg.PipelineSuggestionDelay,
		Scope:           db.NewTenantRunner(a.pool),
		Events:          a.publisher,
		Logger:          logger.With().Str("component", "pipeline").Logger(),
	})

	ok = true
	return a, nil
}

func (a *app) close() {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}
}

// recoveryInterval is how often workers look for jobs held by dead
// consumers.
const recoveryInterval = time.Minute

// recoverLoop requeues jobs left by dead consumers now and then every
// recoveryInterval until ctx is done.
func (a *app) recoverLoop(ctx context.Context) error {
	if _, ok := a.queue.(*queue.RedisQueue); !ok {
		return nil
	}
	ticker := time.NewTicker(recoveryInterval)
	defer ticker.Stop()
	for {
		a.recoverJobs(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// recoverJobs requeues jobs a crashed worker left unacknowledged.
func (a *app) recoverJobs(ctx context.Context) {
	rq, ok := a.queue.(*queue.RedisQueue)
	if !ok {
		return
	}
	n, err := rq.Recover(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("recover pipeline jobs")
		return
	}
	if n > 0 {
		a.logger.Info().Int("jobs", n).Msg("requeued unacknowledged pipeline jobs")
	}
}

func (a *app) healthChecks() []db.Check {
	if rq, ok := a.queue.(*queue.RedisQueue); ok {
		return []db.Check{{Name: "redis", Ping: rq.Ping}}
	}
	return nil
}

func (a *app) authMiddleware() echo.MiddlewareFunc {
	if a.cfg.UseDevAuth() {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     a.cfg.AuthIssuer,
		Audience:   a.cfg.AuthAudience,
		JWKSURL:    a.cfg.AuthJWKSURL,
		SigningKey: []byte(a.cfg.AuthSigningKey),
	})
}

func (a *app) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	allowHeaders := []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"}
	if a.cfg.UseDevAuth() {
		allowHeaders = append(allowHeaders, auth.DevUserHeader, auth.DevRoleHeader, auth.DevIDHeader)
	}

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.Middleware())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: allowHeaders,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, a.healthChecks()...))

	authMW := a.authMiddleware()

	// Websocket connections live long; they must not pin a tenant connection.
	ws := e.Group("/api/v1", authMW)
	websocket.NewHandler(a.hub, a.cfg.CORSOrigins...).RegisterRoutes(ws)

	api := e.Group("/api/v1", authMW, db.TenantMiddleware(a.pool, a.cfg.DefaultTenant))
	encounter.NewHandler(a.events, a.blobs, a.orchestrator).RegisterRoutes(api)
	lhp.NewHandler(a.profiles, a.events).RegisterRoutes(api)
	suggestion.NewHandler(a.suggestions).RegisterRoutes(api)

	return e
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServer(withWorkers bool) error {
	logger := newLogger(os.Getenv("ENV"))
	zerolog.DefaultContextLogger = &logger

	cfg, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	if !withWorkers && cfg.QueueBackend == "memory" {
		return errors.New("--no-workers needs QUEUE_BACKEND=redis: the memory queue is only visible in-process")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.close()
	logger = a.logger
	zerolog.DefaultContextLogger = &logger

	e := a.newRouter()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("workers", withWorkers).Msg("starting lhp server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down")
		return e.Shutdown(shutdownCtx)
	})
	if withWorkers {
		g.Go(func() error { return a.recoverLoop(gctx) })
		g.Go(func() error { return a.orchestrator.Run(gctx, cfg.PipelineWorkers) })
	}
	if a.redis != nil {
		g.Go(func() error {
			return websocket.Relay(logger.WithContext(gctx), a.redis, eventsChannel(cfg), a.hub)
		})
	}

	return g.Wait()
}

func runWorker() error {
	logger := newLogger(os.Getenv("ENV"))
	zerolog.DefaultContextLogger = &logger

	cfg, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}
	if cfg.QueueBackend != "redis" {
		return errors.New("worker needs QUEUE_BACKEND=redis; with the memory queue run workers inside serve")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.close()
	logger = a.logger
	zerolog.DefaultContextLogger = &logger

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.recoverLoop(gctx) })
	g.Go(func() error { return a.orchestrator.Run(gctx, cfg.PipelineWorkers) })
	return g.Wait()
}
