// Package github collects repository metrics such as stars, issues, page
// views and unique visitors via the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/dates"
	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/oauth"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/schema"
)

const defaultAPIURL = "https://api.github.com"

// repoMetric describes one selectable repository metric. Traffic metrics are
// the only ones GitHub reports historically, and only for the last 14 days.
type repoMetric struct {
	value        string
	title        string
	path         string
	responseProp string
	backfillDays int
}

var repoMetrics = []repoMetric{
	{value: "stars", title: "stars", responseProp: "stargazers_count"},
	{value: "open issues", title: "open issues", responseProp: "open_issues_count"},
	{value: "watchers", title: "watchers", responseProp: "watchers_count"},
	{value: "forks", title: "forks", responseProp: "forks_count"},
	{value: "subscribers", title: "subscribers", responseProp: "subscribers_count"},
	{value: "page views", title: "page views", path: "/traffic/views", responseProp: "count", backfillDays: 14},
	{value: "unique visitors", title: "unique visitors", path: "/traffic/views", responseProp: "uniques", backfillDays: 14},
}

func init() {
	integrations.Register(integrations.Descriptor{
		ID:          "github",
		Label:       "GitHub",
		Description: "Github repository metrics such as stars, issues, page views and visitors.",
		Schema:      configSchema(nil),
		WebAuth: integrations.OAuthWebAuth{Provider: func(app *config.Config) *oauth.Provider {
			return &oauth.Provider{
				Name:                "github",
				ClientID:            app.GithubClientID,
				ClientSecret:        app.GithubClientSecret,
				AuthURL:             "https://github.com/login/oauth/authorize",
				TokenURL:            "https://github.com/login/oauth/access_token",
				Scopes:              []string{"public_repo"},
				AllowScopeDowngrade: app.AllowScopeDowngrade,
			}
		}},
		New: New,
	})
}

func configSchema(repoChoices []string) *schema.Schema {
	metricChoices := make([]schema.Choice, len(repoMetrics))
	for i, m := range repoMetrics {
		metricChoices[i] = schema.Choice{Title: m.title, Value: m.value}
	}
	sort.Slice(metricChoices, func(i, j int) bool { return metricChoices[i].Title < metricChoices[j].Title })

	return &schema.Schema{
		Type: schema.TypeDict,
		Keys: map[string]*schema.Schema{
			"repo_full_name": {
				Type:    schema.TypeString,
				Choices: schema.StringChoices(repoChoices...),
			},
			"metric": {
				Type:    schema.TypeString,
				Choices: metricChoices,
			},
		},
	}
}

type Github struct {
	client *integrations.Client
	apiURL string
	repo   string
	metric repoMetric
	clock  clockwork.Clock
}

func New(_ context.Context, deps integrations.Deps) (integrations.Integration, error) {
	if deps.Credentials.AccessToken() == "" {
		return nil, domain.UserFixable("github: authorization required")
	}

	metric, err := metricForKey(deps.ConfigString("metric"))
	if err != nil {
		return nil, err
	}

	d, _ := integrations.Get("github", false)
	provider := d.WebAuth.(integrations.OAuthWebAuth).Provider(deps.App)

	sessionOpts := []oauth.SessionOption{}
	if deps.Clock != nil {
		sessionOpts = append(sessionOpts, oauth.WithClock(deps.Clock))
	}
	if deps.HTTPClient != nil {
		sessionOpts = append(sessionOpts, oauth.WithHTTPClient(deps.HTTPClient))
	}
	session := oauth.NewSession(provider, deps.Credentials, deps.Persister, sessionOpts...)

	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Github{
		client: integrations.NewClient("github", integrations.WithTransport(session.Client())),
		apiURL: defaultAPIURL,
		repo:   deps.ConfigString("repo_full_name"),
		metric: metric,
		clock:  clock,
	}, nil
}

func metricForKey(key string) (repoMetric, error) {
	for _, m := range repoMetrics {
		if m.value == key {
			return m, nil
		}
	}
	return repoMetric{}, domain.UserFixable("github: unknown metric %q", key)
}

// ConfigSchema lists the repositories the authorized user can access.
func (g *Github) ConfigSchema(ctx context.Context) (*schema.Schema, error) {
	var repos []struct {
		FullName string `json:"full_name"`
	}
	if err := g.client.GetJSON(ctx, g.apiURL+"/user/repos", nil, &repos); err != nil {
		return nil, err
	}

	names := make([]string, len(repos))
	for i, r := range repos {
		names[i] = r.FullName
	}
	sort.Strings(names)
	return configSchema(names), nil
}

func (g *Github) CanBackfill() bool { return g.metric.backfillDays > 0 }

func (g *Github) EarliestBackfill() civil.Date {
	return civil.DateOf(g.clock.Now().UTC()).AddDays(-g.metric.backfillDays)
}

func (g *Github) CollectLatest(ctx context.Context) (domain.Measurement, error) {
	if g.CanBackfill() {
		return integrations.LatestViaRange(ctx, g, g.clock)
	}

	// Snapshot metrics have no history; report today's value.
	var data map[string]any
	if err := g.client.GetJSON(ctx, g.apiURL+"/repos/"+g.repo+g.metric.path, nil, &data); err != nil {
		return domain.Measurement{}, err
	}
	value, ok := data[g.metric.responseProp].(float64)
	if !ok {
		return domain.Measurement{}, fmt.Errorf("github response is missing %q", g.metric.responseProp)
	}
	return domain.Measurement{Date: civil.DateOf(g.clock.Now().UTC()), Value: value}, nil
}

func (g *Github) CollectRange(ctx context.Context, start, end civil.Date, emit integrations.EmitFunc) error {
	if !g.CanBackfill() {
		return domain.UserFixable("github: metric %q cannot backfill", g.metric.value)
	}

	var data struct {
		Views []map[string]any `json:"views"`
	}
	if err := g.client.GetJSON(ctx, g.apiURL+"/repos/"+g.repo+g.metric.path, nil, &data); err != nil {
		return err
	}

	var collected []domain.Measurement
	for _, item := range data.Views {
		ts, _ := item["timestamp"].(string)
		day, err := parseTimestampDay(ts)
		if err != nil {
			return err
		}
		value, _ := item[g.metric.responseProp].(float64)
		collected = append(collected, domain.Measurement{Date: day, Value: value})
	}

	// GitHub only reports days that have data; the rest of the window is 0.
	for _, m := range dates.GapFill(collected, start, end, 0) {
		if err := emit(m); err != nil {
			return err
		}
	}
	return nil
}

func parseTimestampDay(ts string) (civil.Date, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return civil.Date{}, fmt.Errorf("github returned invalid timestamp %q: %w", ts, err)
	}
	return civil.DateOf(t.UTC()), nil
}

func (g *Github) Close() error {
	g.client.Close()
	return nil
}
