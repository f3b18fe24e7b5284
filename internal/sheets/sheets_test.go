package sheets

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/oauth"
	"github.com/measured-io/measured/internal/platform/config"
)

type fakeOrgRepo struct {
	mu      sync.Mutex
	orgs    []domain.Organization
	updated map[uuid.UUID]domain.Credentials
}

func (r *fakeOrgRepo) Get(_ context.Context, id uuid.UUID) (*domain.Organization, error) {
	for i := range r.orgs {
		if r.orgs[i].ID == id {
			return &r.orgs[i], nil
		}
	}
	return nil, domain.ErrOrganizationNotFound
}

func (r *fakeOrgRepo) ListExportConfigured(context.Context) ([]domain.Organization, error) {
	return r.orgs, nil
}

func (r *fakeOrgRepo) UpdateSpreadsheetCredentials(_ context.Context, id uuid.UUID, creds domain.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updated == nil {
		r.updated = map[uuid.UUID]domain.Credentials{}
	}
	r.updated[id] = creds
	return nil
}

type fakeSource struct {
	rows []domain.ExportRow
	err  error
}

func (s *fakeSource) ExportRows(_ context.Context, _ uuid.UUID, limit int) ([]domain.ExportRow, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.rows) > limit {
		return s.rows[:limit], nil
	}
	return s.rows, nil
}

type sheetCall struct {
	path    string
	auth    string
	gzipped bool
	values  [][]string
}

// fakeSheetsAPI emulates the small slice of the Sheets v4 REST surface the
// exporter talks to, plus an OAuth token endpoint under /token.
type fakeSheetsAPI struct {
	mu    sync.Mutex
	calls []sheetCall

	rejectAddSheet     bool
	failClear          bool
	rejectAfterBatches int // 0 means unlimited
	requireToken       string
}

func (f *fakeSheetsAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"tok-new","refresh_token":"ref-new","expires_in":3600}`)
			return
		}

		call := sheetCall{path: r.URL.Path, auth: r.Header.Get("Authorization")}

		body := io.Reader(r.Body)
		if r.Header.Get("Content-Encoding") == "gzip" {
			call.gzipped = true
			zr, err := gzip.NewReader(r.Body)
			require.NoError(t, err)
			defer zr.Close()
			body = zr
		}
		raw, err := io.ReadAll(body)
		require.NoError(t, err)

		if strings.Contains(r.URL.Path, ":append") {
			var payload struct {
				Values [][]string `json:"values"`
			}
			require.NoError(t, json.Unmarshal(raw, &payload))
			call.values = payload.Values
		}

		f.mu.Lock()
		f.calls = append(f.calls, call)
		appends := 0
		for _, c := range f.calls {
			if strings.Contains(c.path, ":append") {
				appends++
			}
		}
		f.mu.Unlock()

		switch {
		case f.requireToken != "" && call.auth != "Bearer "+f.requireToken:
			w.WriteHeader(http.StatusUnauthorized)
		case strings.HasSuffix(r.URL.Path, ":batchUpdate") && f.rejectAddSheet:
			writeSheetsError(w, http.StatusBadRequest, `A sheet with the name "Data" already exists`)
		case strings.Contains(r.URL.Path, ":clear") && f.failClear:
			writeSheetsError(w, http.StatusForbidden, "The caller does not have permission")
		case strings.Contains(r.URL.Path, ":append") && f.rejectAfterBatches > 0 && appends > f.rejectAfterBatches:
			writeSheetsError(w, http.StatusBadRequest, cellLimitMessage+" 10000000 cells.")
		default:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{}`)
		}
	}
}

func writeSheetsError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

func (f *fakeSheetsAPI) appendCalls() []sheetCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sheetCall
	for _, c := range f.calls {
		if strings.Contains(c.path, ":append") {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSheetsAPI) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.path)
	}
	return out
}

func testOrg(creds domain.Credentials) domain.Organization {
	return domain.Organization{
		ID:                     uuid.New(),
		Name:                   "Acme",
		Slug:                   "acme",
		Email:                  "ops@acme.test",
		SpreadsheetID:          "sheet-1",
		SpreadsheetSheetName:   "Data",
		SpreadsheetCredentials: creds,
	}
}

func freshCreds() domain.Credentials {
	return domain.Credentials{
		"access_token":  "tok-old",
		"refresh_token": "ref-old",
		"expires_at":    float64(time.Now().Add(time.Hour).Unix()),
	}
}

func newTestExporter(t *testing.T, api *fakeSheetsAPI, orgs *fakeOrgRepo, source *fakeSource) (*Exporter, *httptest.Server) {
	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)

	provider := &oauth.Provider{Name: "google", ClientID: "id", ClientSecret: "secret", TokenURL: server.URL + "/token"}
	exporter := NewExporter(orgs, source, &config.Config{}, WithAPIBase(server.URL), WithProvider(provider))
	return exporter, server
}

func exportRows() []domain.ExportRow {
	updated := time.Date(2024, 1, 15, 9, 30, 45, 0, time.UTC)
	return []domain.ExportRow{
		{MetricName: "signups", Date: civil.Date{Year: 2024, Month: 1, Day: 14}, Value: 42.5, UpdatedAt: updated},
		{MetricName: "signups", Date: civil.Date{Year: 2024, Month: 1, Day: 13}, Value: 7, UpdatedAt: updated.Add(-time.Hour)},
		{MetricName: "visitors", Date: civil.Date{Year: 2024, Month: 1, Day: 14}, Value: math.NaN(), UpdatedAt: updated.Add(-2 * time.Hour)},
	}
}

func TestExport_FollowsSheetProtocol(t *testing.T) {
	api := &fakeSheetsAPI{}
	org := testOrg(freshCreds())
	orgs := &fakeOrgRepo{orgs: []domain.Organization{org}}
	exporter, _ := newTestExporter(t, api, orgs, &fakeSource{rows: exportRows()})

	require.NoError(t, exporter.Export(context.Background(), &org))

	assert.Equal(t, []string{
		"/sheet-1:batchUpdate",
		"/sheet-1/values/'Data':clear",
		"/sheet-1/values/'Data':append",
	}, api.paths())

	appends := api.appendCalls()
	require.Len(t, appends, 1)
	assert.True(t, appends[0].gzipped)
	assert.Equal(t, "Bearer tok-old", appends[0].auth)
	assert.Equal(t, [][]string{
		{"updated_at", "datetime", "key", "value"},
		{"2024-01-15T09:30:45", "2024-01-14T00:00:00", "signups", "42.5"},
		{"2024-01-15T08:30:45", "2024-01-13T00:00:00", "signups", "7"},
		{"2024-01-15T07:30:45", "2024-01-14T00:00:00", "visitors", ""},
	}, appends[0].values)
}

func TestExport_NoRowsSkipsAppend(t *testing.T) {
	api := &fakeSheetsAPI{}
	org := testOrg(freshCreds())
	orgs := &fakeOrgRepo{orgs: []domain.Organization{org}}
	exporter, _ := newTestExporter(t, api, orgs, &fakeSource{})

	require.NoError(t, exporter.Export(context.Background(), &org))

	assert.Equal(t, []string{
		"/sheet-1:batchUpdate",
		"/sheet-1/values/'Data':clear",
	}, api.paths())
}

func TestExport_IgnoresAddSheetFailure(t *testing.T) {
	api := &fakeSheetsAPI{rejectAddSheet: true}
	org := testOrg(freshCreds())
	orgs := &fakeOrgRepo{orgs: []domain.Organization{org}}
	exporter, _ := newTestExporter(t, api, orgs, &fakeSource{rows: exportRows()})

	require.NoError(t, exporter.Export(context.Background(), &org))
	assert.Len(t, api.appendCalls(), 1)
}

func TestExport_ClearFailureSurfacesMessage(t *testing.T) {
	api := &fakeSheetsAPI{failClear: true}
	org := testOrg(freshCreds())
	orgs := &fakeOrgRepo{orgs: []domain.Organization{org}}
	exporter, _ := newTestExporter(t, api, orgs, &fakeSource{rows: exportRows()})

	err := exporter.Export(context.Background(), &org)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "The caller does not have permission")
	assert.True(t, domain.IsUserFixable(err))
	assert.Empty(t, api.appendCalls())
}

func TestExport_BatchesLargeExports(t *testing.T) {
	rows := make([]domain.ExportRow, 12500)
	updated := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	for i := range rows {
		rows[i] = domain.ExportRow{
			MetricName: "signups",
			Date:       civil.Date{Year: 2024, Month: 1, Day: 14},
			Value:      float64(i),
			UpdatedAt:  updated,
		}
	}

	api := &fakeSheetsAPI{}
	org := testOrg(freshCreds())
	orgs := &fakeOrgRepo{orgs: []domain.Organization{org}}
	exporter, _ := newTestExporter(t, api, orgs, &fakeSource{rows: rows})

	require.NoError(t, exporter.Export(context.Background(), &org))

	appends := api.appendCalls()
	require.Len(t, appends, 3)
	// Header only in the first batch.
	assert.Len(t, appends[0].values, 5001)
	assert.Equal(t, headerRow, appends[0].values[0])
	assert.Len(t, appends[1].values, 5000)
	assert.NotEqual(t, headerRow, appends[1].values[0])
	assert.Len(t, appends[2].values, 2500)
}

func TestExport_StopsGracefullyAtCellLimit(t *testing.T) {
	rows := make([]domain.ExportRow, 3*batchSize)
	for i := range rows {
		rows[i] = domain.ExportRow{
			MetricName: "signups",
			Date:       civil.Date{Year: 2024, Month: 1, Day: 14},
			Value:      float64(i),
			UpdatedAt:  time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		}
	}

	api := &fakeSheetsAPI{rejectAfterBatches: 2}
	org := testOrg(freshCreds())
	orgs := &fakeOrgRepo{orgs: []domain.Organization{org}}
	exporter, _ := newTestExporter(t, api, orgs, &fakeSource{rows: rows})

	// The workbook refusing further cells is not an error, the partial
	// export stands.
	require.NoError(t, exporter.Export(context.Background(), &org))
	assert.Len(t, api.appendCalls(), 3)
}

func TestExport_CapsRowsRequestedFromStore(t *testing.T) {
	var gotLimit int
	source := &fakeSource{}
	api := &fakeSheetsAPI{}
	org := testOrg(freshCreds())
	orgs := &fakeOrgRepo{orgs: []domain.Organization{org}}

	server := httptest.NewServer(api.handler(t))
	t.Cleanup(server.Close)
	provider := &oauth.Provider{Name: "google", TokenURL: server.URL + "/token"}
	exporter := NewExporter(orgs, limitRecorder{source, &gotLimit}, &config.Config{},
		WithAPIBase(server.URL), WithProvider(provider))

	require.NoError(t, exporter.Export(context.Background(), &org))
	assert.Equal(t, rowLimit, gotLimit)
}

type limitRecorder struct {
	inner *fakeSource
	limit *int
}

func (r limitRecorder) ExportRows(ctx context.Context, id uuid.UUID, limit int) ([]domain.ExportRow, error) {
	*r.limit = limit
	return r.inner.ExportRows(ctx, id, limit)
}

func TestExport_RefreshPersistsOnOrganization(t *testing.T) {
	api := &fakeSheetsAPI{requireToken: "tok-new"}
	org := testOrg(domain.Credentials{
		"access_token":  "tok-old",
		"refresh_token": "ref-old",
		"expires_at":    float64(time.Now().Add(-time.Hour).Unix()),
	})
	orgs := &fakeOrgRepo{orgs: []domain.Organization{org}}
	exporter, _ := newTestExporter(t, api, orgs, &fakeSource{rows: exportRows()})

	require.NoError(t, exporter.Export(context.Background(), &org))

	orgs.mu.Lock()
	defer orgs.mu.Unlock()
	require.Contains(t, orgs.updated, org.ID)
	assert.Equal(t, "tok-new", orgs.updated[org.ID].AccessToken())
	assert.Equal(t, "ref-new", orgs.updated[org.ID].RefreshToken())
}

func TestExportAll_ContinuesPastFailingOrganization(t *testing.T) {
	api := &fakeSheetsAPI{}
	broken := testOrg(freshCreds())
	broken.SpreadsheetCredentials = domain.Credentials{} // no token, no refresh
	healthy := testOrg(freshCreds())
	healthy.SpreadsheetID = "sheet-2"

	orgs := &fakeOrgRepo{orgs: []domain.Organization{broken, healthy}}
	exporter, _ := newTestExporter(t, api, orgs, &fakeSource{rows: exportRows()})

	require.NoError(t, exporter.ExportAll(context.Background()))

	var sheet2Appends int
	for _, c := range api.appendCalls() {
		if strings.HasPrefix(c.path, "/sheet-2/") {
			sheet2Appends++
		}
	}
	assert.Equal(t, 1, sheet2Appends)
}

func TestGoogleProvider_ScopeDowngradeFollowsConfig(t *testing.T) {
	assert.False(t, GoogleProvider(&config.Config{}).AllowScopeDowngrade)
	assert.True(t, GoogleProvider(&config.Config{AllowScopeDowngrade: true}).AllowScopeDowngrade)
}
