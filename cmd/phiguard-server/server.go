package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/phiguard/internal/config"
	"github.com/ehr/phiguard/internal/metrics"
	"github.com/ehr/phiguard/internal/platform/auth"
	"github.com/ehr/phiguard/internal/platform/db"
	"github.com/ehr/phiguard/internal/platform/hipaa"
	"github.com/ehr/phiguard/internal/platform/middleware"
	"github.com/ehr/phiguard/internal/platform/reporting"
	"github.com/ehr/phiguard/internal/platform/session"
	"github.com/ehr/phiguard/internal/platform/webhook"
	"github.com/ehr/phiguard/internal/platform/websocket"
)

const version = "0.1.0"

// server holds everything runServer starts so it can be shut down in order.
type server struct {
	echo     *echo.Echo
	ledger   *hipaa.AuditLogger
	sessions *session.Manager
	hub      *websocket.Hub
	job      *reporting.Job
	metrics  *metrics.Provider
	pool     *pgxpool.Pool
	fileSink *hipaa.FileSink
	logger   zerolog.Logger
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func reportConfig(cfg *config.Config) (hipaa.ReportConfig, error) {
	loc, err := cfg.Location()
	if err != nil {
		return hipaa.ReportConfig{}, err
	}
	return hipaa.ReportConfig{
		FailedLoginThreshold: cfg.ReportFailedLoginThreshold,
		AfterHoursRatio:      cfg.ReportAfterHoursRatio,
		AfterHoursStart:      cfg.ReportAfterHoursStart,
		AfterHoursEnd:        cfg.ReportAfterHoursEnd,
		TopN:                 cfg.ReportTopN,
		Location:             loc,
	}, nil
}

// newServer wires the engine and its HTTP surface from cfg. Nothing listens
// until the caller starts s.echo.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *server, err error) {
	s := &server{logger: logger}
	defer func() {
		if err != nil {
			_ = s.shutdown(ctx)
		}
	}()

	reportCfg, err := reportConfig(cfg)
	if err != nil {
		return nil, err
	}
	s.metrics, err = metrics.NewProvider()
	if err != nil {
		return nil, err
	}
	bm, err := metrics.NewBusinessMetrics(s.metrics.MeterProvider())
	if err != nil {
		return nil, err
	}
	httpMetrics, err := metrics.HTTPMiddleware(s.metrics.MeterProvider())
	if err != nil {
		return nil, err
	}

	// Durable sinks
	var sinks hipaa.MultiSink
	if cfg.DatabaseURL != "" {
		s.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, hipaa.NewPostgresSink(s.pool))
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
	}
	if cfg.AuditFilePath != "" {
		s.fileSink, err = hipaa.NewFileSink(cfg.AuditFilePath)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s.fileSink)
	}

	// Alerting
	s.hub = websocket.NewHub(logger)
	alerters := hipaa.MultiAlerter{hipaa.LogAlerter{Logger: logger}, s.hub}
	if cfg.AlertWebhookURL != "" {
		perMinute := max(cfg.AlertRatePerMinute, 1)
		hook, err := webhook.NewAlerter(cfg.AlertWebhookURL, cfg.AlertWebhookSecret,
			webhook.WithRateLimit(float64(perMinute), min(perMinute, 10)))
		if err != nil {
			return nil, err
		}
		alerters = append(alerters, hook)
	}

	// Audit ledger
	opts := []hipaa.AuditLoggerOption{
		hipaa.WithAlerter(alerters),
		hipaa.WithLogger(logger),
		hipaa.WithMetrics(bm),
	}
	switch len(sinks) {
	case 0:
		logger.Warn().Msg("no durable audit sink configured, audit entries are kept in memory only")
	case 1:
		opts = append(opts, hipaa.WithSink(sinks[0], sinkConfig(cfg)))
	default:
		opts = append(opts, hipaa.WithSink(sinks, sinkConfig(cfg)))
	}
	key, err := cfg.AuditSigningKeyBytes()
	if err != nil {
		return nil, err
	}
	if key != nil {
		signer, err := hipaa.NewChainSigner(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts, hipaa.WithChainSigner(signer))
	}
	s.ledger = hipaa.NewAuditLogger(opts...)

	// Sessions
	s.sessions = session.NewManager(s.ledger, session.Config{
		Timeout:       cfg.SessionTimeout,
		WarningWindow: cfg.SessionWarningWindow,
		RedirectURL:   cfg.SessionRedirectURL,
	},
		session.WithClientStore(s.hub),
		session.WithLogger(logger),
		session.WithMetrics(bm),
	)

	if cfg.ReportSchedule != "" {
		s.job = reporting.NewJob(s.ledger, reportCfg, logger, reporting.WithJobMetrics(bm))
		if err := s.job.Start(cfg.ReportSchedule, reportCfg.Location); err != nil {
			return nil, err
		}
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityHeadersConfig{
		HSTS:       !cfg.IsDev(),
		LogoutPath: "/api/v1/session",
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(httpMetrics)
	e.Use(middleware.Audit(logger, s.ledger))
	e.Use(middleware.RequestTimeout(middleware.TimeoutConfig{Timeout: cfg.RequestTimeout}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	authMW := authMiddleware(cfg, logger)
	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg))

	session.NewHandler(s.sessions).RegisterRoutes(apiV1)

	// PHI and ledger routes need a live session; an ended or expired one
	// forces re-authentication.
	phi := apiV1.Group("", session.RequireActiveSession(s.sessions))
	hipaa.NewMaskHandler(hipaa.NewMasker(hipaa.DefaultMatrix()), s.ledger, bm).RegisterRoutes(phi)
	hipaa.NewAuditHandler(s.ledger, reportCfg).RegisterRoutes(phi)
	if s.pool != nil {
		reporting.NewHandler(s.pool).RegisterRoutes(phi)
	}

	websocket.NewWebSocketHandler(s.hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""), authMW)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(s.pool))
	e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	s.echo = e
	return s, nil
}

func sinkConfig(cfg *config.Config) hipaa.SinkConfig {
	return hipaa.SinkConfig{
		RetryInterval: cfg.AuditRetryInterval,
		WriteTimeout:  cfg.AuditSinkTimeout,
	}
}

// authMiddleware verifies bearer tokens. Development without any token
// configuration falls back to header-supplied identities.
func authMiddleware(cfg *config.Config, logger zerolog.Logger) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthIssuer == "" {
		logger.Warn().Msg("development auth enabled, identities are taken from request headers")
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	}
	var key []byte
	if cfg.AuthSigningKey != "" {
		key = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
		Skipper:    auth.AuthSkipper,
	})
}

// shutdown stops accepting requests, cancels session timers and flushes the
// audit ledger to its sinks, in that order.
func (s *server) shutdown(ctx context.Context) error {
	var errs []error
	if s.echo != nil {
		if err := s.echo.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.job != nil {
		if err := s.job.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.sessions != nil {
		s.sessions.Shutdown()
	}
	if s.ledger != nil {
		if err := s.ledger.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.metrics != nil {
		if err := s.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.release()
	return errors.Join(errs...)
}

func (s *server) release() {
	if s.fileSink != nil {
		if err := s.fileSink.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("closing audit file sink failed")
		}
		s.fileSink = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
