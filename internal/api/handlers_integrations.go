package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/measured-io/measured/internal/domain"
	apperrors "github.com/measured-io/measured/internal/errors"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/metrics"
	"github.com/measured-io/measured/internal/oauth"
	"github.com/measured-io/measured/internal/redis"
	"github.com/measured-io/measured/internal/schema"
)

func (s *Server) handleListIntegrations(c echo.Context) error {
	type item struct {
		ID                    string         `json:"id"`
		Label                 string         `json:"label"`
		Description           string         `json:"description"`
		RequiresAuthorization bool           `json:"requires_authorization"`
		Schema                *schema.Schema `json:"schema"`
	}

	var items []item
	for _, id := range integrations.IDs(s.cfg.Production()) {
		desc, err := integrations.Get(id, s.cfg.Production())
		if err != nil {
			continue
		}
		items = append(items, item{
			ID:                    desc.ID,
			Label:                 desc.Label,
			Description:           desc.Description,
			RequiresAuthorization: desc.WebAuth != nil,
			Schema:                desc.Schema,
		})
	}

	if err := c.JSON(http.StatusOK, map[string]any{"integrations": items}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleStartAuthorize(c echo.Context) error {
	ctx := c.Request().Context()
	integrationID := c.Param("id")

	var body struct {
		CallbackURI string `json:"callback_uri"`
	}
	if err := c.Bind(&body); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if body.CallbackURI == "" {
		return apperrors.ValidationError("callback_uri is required")
	}

	desc, err := integrations.Get(integrationID, s.cfg.Production())
	if err != nil {
		return err
	}
	if desc.WebAuth == nil {
		return apperrors.ValidationError("integration does not use browser authorization").
			WithField("integration_id", integrationID)
	}

	auth := desc.WebAuth.StartAuthorize(s.cfg, body.CallbackURI)
	err = s.states.Put(ctx, auth.State, redis.AuthorizeState{
		IntegrationID: integrationID,
		CodeVerifier:  auth.CodeVerifier,
		CallbackURI:   body.CallbackURI,
	})
	if err != nil {
		return apperrors.InternalError("failed to store authorization state", err)
	}

	response := map[string]string{
		"authorize_uri": auth.URL,
		"state":         auth.State,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleAuthorizeCallback(c echo.Context) error {
	ctx := c.Request().Context()
	integrationID := c.Param("id")

	state := c.QueryParam("state")
	if state == "" {
		return apperrors.ValidationError("state is required")
	}

	stored, err := s.states.Take(ctx, state)
	if err != nil {
		// Unknown, expired, or already consumed. Single use keeps a
		// replayed callback from exchanging the code twice.
		return apperrors.ValidationError("unknown or expired authorization state")
	}
	if stored.IntegrationID != integrationID {
		return apperrors.ValidationError("authorization state belongs to a different integration")
	}

	desc, err := integrations.Get(integrationID, s.cfg.Production())
	if err != nil {
		return err
	}
	if desc.WebAuth == nil {
		return apperrors.ValidationError("integration does not use browser authorization").
			WithField("integration_id", integrationID)
	}

	incomingURI := s.cfg.BaseURL + c.Request().RequestURI
	creds, err := desc.WebAuth.CompleteAuthorize(ctx, s.cfg, stored.CallbackURI, incomingURI, state, stored.CodeVerifier)
	if err != nil {
		metrics.AuthorizationsTotal.WithLabelValues(integrationID, "error").Inc()
		if errors.Is(err, oauth.ErrStateMismatch) {
			return apperrors.ValidationError("authorization state mismatch")
		}
		return err
	}
	metrics.AuthorizationsTotal.WithLabelValues(integrationID, "success").Inc()

	if err := c.JSON(http.StatusOK, map[string]any{"credentials": creds}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleDryRun(c echo.Context) error {
	ctx := c.Request().Context()
	integrationID := c.Param("id")

	var body struct {
		Config      map[string]any     `json:"config"`
		Credentials domain.Credentials `json:"credentials"`

		// MetricID marks a dry run over an edited config of an existing
		// metric. Secret fields the host sends back as placeholder are
		// restored from the stored config, and stored credentials apply
		// when the request carries none.
		MetricID string `json:"metric_id"`
	}
	if err := c.Bind(&body); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	if body.MetricID != "" {
		metricID, err := uuid.Parse(body.MetricID)
		if err != nil {
			return apperrors.ValidationError("invalid metric id").WithField("metric_id", body.MetricID)
		}
		metric, err := s.metrics.Get(ctx, metricID)
		if err != nil {
			return err
		}
		if metric.IntegrationID != integrationID {
			return apperrors.ValidationError("metric belongs to a different integration").
				WithField("metric_id", body.MetricID)
		}

		desc, err := integrations.Get(integrationID, s.cfg.Production())
		if err != nil {
			return err
		}
		body.Config = schema.RestoreSecrets(body.Config, metric.Config, desc.Schema)
		if body.Credentials == nil {
			body.Credentials = metric.Credentials
		}
	}

	result, err := s.dryRuns.DryRun(ctx, integrationID, body.Config, body.Credentials)
	if err != nil {
		return err
	}

	response := map[string]any{
		"measurements": result.Measurements,
		"schema":       result.Schema,
		"can_backfill": result.CanBackfill,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
