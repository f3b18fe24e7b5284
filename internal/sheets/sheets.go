// Package sheets exports an organization's measurements to a Google Sheet.
// The wire protocol mirrors the Sheets v4 REST API directly: one addSheet
// batchUpdate, one clear, then gzip-compressed value appends in batches.
package sheets

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/metrics"
	"github.com/measured-io/measured/internal/oauth"
	"github.com/measured-io/measured/internal/platform/config"
)

const (
	batchSize = 5000
	// One workbook holds at most 1e6 cells; four columns per row.
	rowLimit = 100000

	defaultAPIBase = "https://sheets.googleapis.com/v4/spreadsheets"

	// cellLimitMessage is the prefix Google answers with when an append would
	// overflow the workbook. Exports stop gracefully at that point.
	cellLimitMessage = "This action would increase the number of cells in the workbook above the limit of"
)

var headerRow = []string{"updated_at", "datetime", "key", "value"}

// GoogleProvider describes the OAuth2 endpoints used for spreadsheet export.
func GoogleProvider(cfg *config.Config) *oauth.Provider {
	return &oauth.Provider{
		Name:                "google",
		ClientID:            cfg.GoogleClientID,
		ClientSecret:        cfg.GoogleClientSecret,
		AuthURL:             "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:            "https://oauth2.googleapis.com/token",
		Scopes:              []string{"https://www.googleapis.com/auth/spreadsheets"},
		AllowScopeDowngrade: cfg.AllowScopeDowngrade,
		AuthorizeExtras: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	}
}

// MeasurementSource provides the rows to export, newest first.
type MeasurementSource interface {
	ExportRows(ctx context.Context, organizationID uuid.UUID, limit int) ([]domain.ExportRow, error)
}

type Exporter struct {
	orgs   domain.OrganizationRepository
	source MeasurementSource
	cfg    *config.Config

	provider   *oauth.Provider
	apiBase    string
	httpClient *http.Client
}

type Option func(*Exporter)

// WithAPIBase points the exporter at a different Sheets endpoint.
func WithAPIBase(base string) Option {
	return func(e *Exporter) { e.apiBase = base }
}

// WithHTTPClient replaces the transport under the OAuth session.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Exporter) { e.httpClient = client }
}

// WithProvider replaces the OAuth provider, e.g. to point the token endpoint
// at a test server.
func WithProvider(p *oauth.Provider) Option {
	return func(e *Exporter) { e.provider = p }
}

func NewExporter(orgs domain.OrganizationRepository, source MeasurementSource, cfg *config.Config, opts ...Option) *Exporter {
	e := &Exporter{
		orgs:     orgs,
		source:   source,
		cfg:      cfg,
		provider: GoogleProvider(cfg),
		apiBase:  defaultAPIBase,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExportAll exports every organization with complete spreadsheet settings.
// Per-organization failures are logged and counted, not propagated.
func (e *Exporter) ExportAll(ctx context.Context) error {
	orgs, err := e.orgs.ListExportConfigured(ctx)
	if err != nil {
		return fmt.Errorf("failed to list organizations: %w", err)
	}

	for _, org := range orgs {
		if err := e.Export(ctx, &org); err != nil {
			metrics.SpreadsheetExportsTotal.WithLabelValues("error").Inc()
			slog.ErrorContext(ctx, "Spreadsheet export failed", "organization_id", org.ID, "error", err)
			continue
		}
		metrics.SpreadsheetExportsTotal.WithLabelValues("success").Inc()
	}
	return nil
}

// Export rewrites one organization's sheet from scratch: ensure the sheet
// exists, clear it, then append all measurements. Token refreshes persist on
// the organization record.
func (e *Exporter) Export(ctx context.Context, org *domain.Organization) error {
	session := e.newSession(org)

	// Create the sheet if it doesn't exist; an "already exists" answer (or
	// any other batchUpdate complaint) is ignored, the clear below will fail
	// loudly when the sheet is genuinely unusable.
	addSheetBody := map[string]any{
		"requests": []map[string]any{
			{"addSheet": map[string]any{"properties": map[string]any{"title": org.SpreadsheetSheetName}}},
		},
	}
	if err := e.post(ctx, session, e.url(org, ":batchUpdate"), addSheetBody, false); err != nil {
		slog.DebugContext(ctx, "addSheet skipped", "organization_id", org.ID, "error", err)
	}

	if err := e.post(ctx, session, e.url(org, "/values/'%s':clear"), nil, false); err != nil {
		return fmt.Errorf("failed to clear sheet: %w", err)
	}

	rows, err := e.source.ExportRows(ctx, org.ID, rowLimit)
	if err != nil {
		return err
	}

	exported := 0
	// The header travels with the first batch only.
	values := [][]string{headerRow}
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		for _, r := range rows[start:end] {
			values = append(values, []string{
				sheetDatetime(r.UpdatedAt),
				sheetDatetime(dateTime(r.Date)),
				r.MetricName,
				sheetValue(r.Value),
			})
		}

		err := e.post(ctx, session, e.url(org, "/values/'%s':append?valueInputOption=USER_ENTERED&includeValuesInResponse=false"),
			map[string]any{"values": values}, true)
		if err != nil {
			if strings.Contains(err.Error(), cellLimitMessage) {
				slog.InfoContext(ctx, "Workbook cell limit reached, stopping export",
					"organization_id", org.ID, "rows_exported", exported)
				break
			}
			return fmt.Errorf("failed to append rows: %w", err)
		}

		exported += end - start
		values = [][]string{}
	}

	metrics.SpreadsheetRowsExported.Add(float64(exported))
	slog.InfoContext(ctx, "Spreadsheet export finished", "organization_id", org.ID, "rows", exported)
	return nil
}

func (e *Exporter) newSession(org *domain.Organization) *oauth.Session {
	opts := []oauth.SessionOption{}
	if e.httpClient != nil {
		opts = append(opts, oauth.WithHTTPClient(e.httpClient))
	}
	return oauth.NewSession(e.provider, org.SpreadsheetCredentials, orgPersister{repo: e.orgs, id: org.ID}, opts...)
}

func (e *Exporter) url(org *domain.Organization, suffix string) string {
	if strings.Contains(suffix, "%s") {
		suffix = fmt.Sprintf(suffix, org.SpreadsheetSheetName)
	}
	return e.apiBase + "/" + org.SpreadsheetID + suffix
}

// post sends a JSON request through the OAuth session. With compress set the
// body is gzip-encoded, matching the append protocol.
func (e *Exporter) post(ctx context.Context, session *oauth.Session, url string, body any, compress bool) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		if compress {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(payload); err != nil {
				return fmt.Errorf("failed to compress request: %w", err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("failed to compress request: %w", err)
			}
			payload = buf.Bytes()
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := session.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(resp.Body)
	httpErr := &domain.HTTPError{StatusCode: resp.StatusCode, URL: url, Body: raw}

	// 400 and 403 carry a message meant for the user; surface it directly.
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden {
		var decoded struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error.Message != "" {
			return fmt.Errorf("%s: %w", decoded.Error.Message, httpErr)
		}
	}
	return httpErr
}

// orgPersister stores refreshed export credentials on the organization.
type orgPersister struct {
	repo domain.OrganizationRepository
	id   uuid.UUID
}

func (p orgPersister) PersistCredentials(ctx context.Context, creds domain.Credentials) error {
	return p.repo.UpdateSpreadsheetCredentials(ctx, p.id, creds)
}

// sheetDatetime renders timestamps without zone, the format Sheets parses as
// a datetime cell under USER_ENTERED.
func sheetDatetime(t time.Time) string {
	return t.Format("2006-01-02T15:04:05")
}

func dateTime(d civil.Date) time.Time {
	return d.In(time.UTC)
}

// sheetValue renders NaN as an empty cell, never as zero.
func sheetValue(v float64) string {
	if v != v {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
