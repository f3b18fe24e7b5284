// Package api exposes the runtime's HTTP surface: health probes, prometheus
// metrics, the browser authorization flow, dry runs, and job triggers.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/measured-io/measured/internal/collector"
	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/errors"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/redis"
)

// jobRunner triggers collection jobs. Outcomes are delivered through the
// notifier, not the HTTP response, so the methods return nothing.
type jobRunner interface {
	CollectLatest(ctx context.Context, metricID uuid.UUID)
	Backfill(ctx context.Context, metricID uuid.UUID, since string)
}

type dryRunner interface {
	DryRun(ctx context.Context, integrationID string, cfg map[string]any, creds domain.Credentials) (collector.DryRunResult, error)
}

type stateStore interface {
	Put(ctx context.Context, state string, value redis.AuthorizeState) error
	Take(ctx context.Context, state string) (redis.AuthorizeState, error)
}

// HealthCheck is a named readiness check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	echo *echo.Echo
	cfg  *config.Config

	metrics      domain.MetricRepository
	runner       jobRunner
	dryRuns      dryRunner
	states       stateStore
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, metricRepo domain.MetricRepository, runner jobRunner, dryRuns dryRunner, states stateStore, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		cfg:          cfg,
		metrics:      metricRepo,
		runner:       runner,
		dryRuns:      dryRuns,
		states:       states,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.cfg.Port)
	if err := s.echo.Start(":" + s.cfg.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the routing tree, used by httptest in integration tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.Use(s.requestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(errors.Middleware())

	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/api/integrations", s.handleListIntegrations)
	s.echo.POST("/api/integrations/:id/authorize", s.handleStartAuthorize)
	s.echo.GET("/api/integrations/:id/authorize/callback", s.handleAuthorizeCallback)
	s.echo.POST("/api/integrations/:id/dry-run", s.handleDryRun)

	s.echo.GET("/api/metrics/:id", s.handleGetMetric)
	s.echo.POST("/api/metrics/:id/collect", s.handleCollect)
	s.echo.POST("/api/metrics/:id/backfill", s.handleBackfill)
}

func (s *Server) requestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Info("Request", attrs...)
			return nil
		},
	})
}
