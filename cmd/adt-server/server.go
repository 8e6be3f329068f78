package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/adt/internal/config"
	"github.com/ehr/adt/internal/domain/admission"
	"github.com/ehr/adt/internal/domain/directory"
	"github.com/ehr/adt/internal/domain/reconcile"
	"github.com/ehr/adt/internal/domain/ward"
	"github.com/ehr/adt/internal/platform/auth"
	"github.com/ehr/adt/internal/platform/db"
	"github.com/ehr/adt/internal/platform/events"
	"github.com/ehr/adt/internal/platform/hl7v2"
	"github.com/ehr/adt/internal/platform/middleware"
	"github.com/ehr/adt/internal/platform/telemetry"
	"github.com/ehr/adt/internal/platform/websocket"
)

// app holds the wired domain services.
type app struct {
	wards      *ward.Service
	admissions *admission.Service
	sweeper    *reconcile.Sweeper
	resolver   *reconcile.Resolver
	hub        *websocket.Hub
	facility   string

	redisPub *events.RedisPublisher
	redis    *redis.Client
}

type appDeps struct {
	Wards      ward.Repository
	Admissions admission.Repository
	Patients   admission.PatientDirectory
	Doctors    admission.DoctorDirectory
	Retry      ward.RetryPolicy
	Metrics    *telemetry.ADTMetrics
	Logger     zerolog.Logger

	// Publisher replaces the hub as the event sink when set.
	Publisher events.Publisher
	// Outbound receive every event in addition to Publisher.
	Outbound []events.Publisher
	Facility string
}

func newApp(d appDeps) *app {
	a := &app{hub: websocket.NewHub(d.Logger), facility: d.Facility}

	var pub events.Publisher = a.hub
	if d.Publisher != nil {
		pub = d.Publisher
	}
	if len(d.Outbound) > 0 {
		pub = append(events.Fanout{pub}, d.Outbound...)
	}

	a.wards = ward.NewService(d.Wards, d.Logger, d.Retry)
	a.admissions = admission.NewService(d.Admissions, a.wards, d.Patients, d.Doctors, d.Logger)
	a.admissions.SetPublisher(pub)
	a.sweeper = reconcile.NewSweeper(a.wards, a.admissions, d.Logger)
	a.resolver = reconcile.NewResolver(a.wards, a.admissions, d.Logger)
	a.resolver.SetPublisher(pub)

	if d.Metrics != nil {
		a.wards.SetMetrics(d.Metrics)
		a.admissions.SetMetrics(d.Metrics)
		a.sweeper.SetMetrics(d.Metrics)
	}
	return a
}

func (a *app) registerRoutes(api *echo.Group, origins []string) {
	ward.NewHandler(a.wards).RegisterRoutes(api)
	admissions := admission.NewHandler(a.admissions)
	admissions.SetFacility(a.facility)
	admissions.RegisterRoutes(api)
	reconcile.NewHandler(a.sweeper, a.resolver).RegisterRoutes(api)

	staff := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RolePhysician, auth.RoleNurse, auth.RoleRegistrar))
	websocket.NewHandler(a.hub, origins).RegisterRoutes(staff)
}

// buildApp wires the Postgres stores and whichever directory and event
// transport the config selects.
func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, metrics *telemetry.ADTMetrics) (*app, error) {
	deps := appDeps{
		Wards:      ward.NewRepo(pool),
		Admissions: admission.NewRepo(pool),
		Retry:      ward.RetryPolicy{MaxAttempts: cfg.BedWriteMaxAttempts, Delay: cfg.BedWriteRetryDelay},
		Metrics:    metrics,
		Logger:     logger,
	}

	if cfg.DirectoryURL != "" {
		dir := directory.NewHTTPDirectory(cfg.DirectoryURL, cfg.DirectoryTimeout, logger)
		if cfg.DirectoryToken != "" {
			dir.SetAuthToken(cfg.DirectoryToken)
		}
		deps.Patients, deps.Doctors = dir, dir
		logger.Info().Str("url", cfg.DirectoryURL).Msg("using remote patient directory")
	} else {
		dir := directory.NewPGDirectory(pool)
		deps.Patients, deps.Doctors = dir, dir
	}

	var (
		client   *redis.Client
		redisPub *events.RedisPublisher
	)
	if cfg.RedisURL != "" {
		var err error
		client, err = events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		redisPub = events.NewRedisPublisher(client, cfg.EventsChannel)
		deps.Publisher = redisPub
		logger.Info().Str("channel", cfg.EventsChannel).Msg("publishing events to redis")
	}

	if cfg.HL7FeedAddr != "" {
		feed := hl7v2.NewFeed(cfg.HL7FeedAddr, cfg.HL7Facility, cfg.HL7FeedTimeout, logger)
		deps.Outbound = append(deps.Outbound, feed)
		logger.Info().Str("addr", cfg.HL7FeedAddr).Msg("forwarding ADT messages over MLLP")
	}
	deps.Facility = cfg.HL7Facility

	a := newApp(deps)
	a.redis, a.redisPub = client, redisPub
	return a, nil
}

// startRelay feeds the hub from Redis so screens see transitions made by
// every instance. Without Redis the hub already receives events directly.
func (a *app) startRelay(ctx context.Context) error {
	if a.redisPub == nil {
		return nil
	}
	src, err := a.redisPub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	go a.hub.Relay(ctx, src)
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
}

func newServer(cfg *config.Config, pool *pgxpool.Pool, tp *telemetry.TelemetryProvider, a *app, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	var checks []db.Check
	if a.redis != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
	}
	e.GET("/health/db", db.HealthHandler(pool, func(s *db.PoolStats) {
		tp.ADT.SetDBPool(s.TotalConns, s.IdleConns, s.AcquiredConns)
	}, checks...))
	e.GET("/metrics", tp.MetricsHandler())

	api := e.Group("/api/v1")
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Logger:     logger,
	}
	if cfg.IsDev() {
		api.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		api.Use(auth.JWTMiddleware(jwtCfg))
	}
	api.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	api.Use(middleware.Audit(logger))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		WritesOnly:        true,
	}))
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	a.registerRoutes(api, cfg.CORSOrigins)
	return e
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests act as admin of the default tenant")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "adt-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err := tp.StartTracing(ctx); err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := buildApp(ctx, cfg, pool, logger, tp.ADT)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.startRelay(ctx); err != nil {
		return err
	}
	reconcile.NewRunner(pool, a.sweeper, cfg.ReconcileInterval, logger).Start(ctx)

	e := newServer(cfg, pool, tp, a, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
