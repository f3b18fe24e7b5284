package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apperrors "github.com/measured-io/measured/internal/errors"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/schema"
)

// Collection jobs outlive the HTTP request; outcomes reach the metric owner
// through the notifier. The handlers only validate and hand off.

// handleGetMetric returns a metric's stored configuration with secret leaves
// masked. Credentials never leave the runtime, only their presence does.
func (s *Server) handleGetMetric(c echo.Context) error {
	raw := c.Param("id")
	metricID, err := uuid.Parse(raw)
	if err != nil {
		return apperrors.ValidationError("invalid metric id").WithField("metric_id", raw)
	}

	metric, err := s.metrics.Get(c.Request().Context(), metricID)
	if err != nil {
		return err
	}

	// An unknown integration means registry drift; failing beats returning
	// a config whose secrets could not be masked.
	desc, err := integrations.Get(metric.IntegrationID, s.cfg.Production())
	if err != nil {
		return err
	}
	cfg := schema.MaskSecrets(metric.Config, desc.Schema)

	resp := map[string]any{
		"id":              metric.ID,
		"name":            metric.Name,
		"integration_id":  metric.IntegrationID,
		"config":          cfg,
		"has_credentials": metric.Credentials != nil,
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleCollect(c echo.Context) error {
	metricID, err := s.metricFromPath(c)
	if err != nil {
		return err
	}

	go s.runner.CollectLatest(context.Background(), metricID)

	if err := c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleBackfill(c echo.Context) error {
	metricID, err := s.metricFromPath(c)
	if err != nil {
		return err
	}

	var body struct {
		Since string `json:"since"`
	}
	if err := c.Bind(&body); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	go s.runner.Backfill(context.Background(), metricID, body.Since)

	if err := c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// metricFromPath parses the :id path parameter and confirms the metric
// exists before a job is launched for it.
func (s *Server) metricFromPath(c echo.Context) (uuid.UUID, error) {
	raw := c.Param("id")
	metricID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid metric id").WithField("metric_id", raw)
	}

	if _, err := s.metrics.Get(c.Request().Context(), metricID); err != nil {
		return uuid.Nil, err
	}
	return metricID, nil
}
