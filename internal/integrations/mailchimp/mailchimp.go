// Package mailchimp collects audience list activity statistics from the
// Mailchimp Marketing API.
package mailchimp

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/oauth"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/schema"
)

const defaultLoginURL = "https://login.mailchimp.com"

// Marketing access tokens never expire; the provider reports expires_in=0.
// The hook backfills a far-future expiry so expiry checks have a value.
const nonExpiringLifetime = 100 * 365 * 24 * time.Hour

var statistics = []string{
	"emails_sent",
	"hard_bounce",
	"other_adds",
	"other_removes",
	"recipient_clicks",
	"soft_bounce",
	"subs",
	"unique_opens",
	"unsubs",
}

func init() {
	integrations.Register(integrations.Descriptor{
		ID:          "mailchimp",
		Label:       "Mailchimp",
		Description: "Mailchimp list metrics such as subscribers, email opens and bounce rates.",
		Schema:      configSchema(nil),
		WebAuth: integrations.OAuthWebAuth{Provider: func(app *config.Config) *oauth.Provider {
			return &oauth.Provider{
				Name:                "mailchimp",
				ClientID:            app.MailchimpClientID,
				ClientSecret:        app.MailchimpClientSecret,
				AuthURL:             defaultLoginURL + "/oauth2/authorize",
				TokenURL:            defaultLoginURL + "/oauth2/token",
				AllowScopeDowngrade: app.AllowScopeDowngrade,
				OnTokenResponse: func(creds domain.Credentials) {
					if _, ok := creds["expires_at"]; !ok {
						creds["expires_at"] = float64(time.Now().Add(nonExpiringLifetime).Unix())
					}
				},
			}
		}},
		New: New,
	})
}

func configSchema(listChoices []schema.Choice) *schema.Schema {
	return &schema.Schema{
		Type: schema.TypeDict,
		Keys: map[string]*schema.Schema{
			"list": {
				Type:     schema.TypeString,
				Required: true,
				Choices:  listChoices,
			},
			"statistic": {
				Type:     schema.TypeString,
				Required: true,
				Choices:  schema.StringChoices(statistics...),
			},
		},
	}
}

type Mailchimp struct {
	client      *integrations.Client
	apiEndpoint string
	listID      string
	statistic   string
	clock       clockwork.Clock
}

// New discovers the account's API endpoint from the OAuth metadata resource.
func New(ctx context.Context, deps integrations.Deps) (integrations.Integration, error) {
	if deps.Credentials.AccessToken() == "" {
		return nil, domain.UserFixable("mailchimp: authorization required")
	}

	d, _ := integrations.Get("mailchimp", false)
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

	m := &Mailchimp{
		client:    integrations.NewClient("mailchimp", integrations.WithTransport(session.Client())),
		listID:    deps.ConfigString("list"),
		statistic: deps.ConfigString("statistic"),
		clock:     clock,
	}

	loginURL := defaultLoginURL
	if override, ok := deps.Config["login_url"].(string); ok && override != "" {
		loginURL = override
	}

	var metadata struct {
		APIEndpoint string `json:"api_endpoint"`
	}
	if err := m.client.GetJSON(ctx, loginURL+"/oauth2/metadata", nil, &metadata); err != nil {
		m.client.Close()
		return nil, fmt.Errorf("mailchimp metadata discovery failed: %w", err)
	}
	m.apiEndpoint = metadata.APIEndpoint

	return m, nil
}

// ConfigSchema lists the account's audiences.
func (m *Mailchimp) ConfigSchema(ctx context.Context) (*schema.Schema, error) {
	var out struct {
		Lists []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"lists"`
	}
	if err := m.client.GetJSON(ctx, m.apiEndpoint+"/3.0/lists?fields=lists", nil, &out); err != nil {
		return nil, err
	}

	choices := make([]schema.Choice, len(out.Lists))
	for i, l := range out.Lists {
		choices[i] = schema.Choice{Title: l.Name, Value: l.ID}
	}
	sort.Slice(choices, func(i, j int) bool { return choices[i].Title < choices[j].Title })
	return configSchema(choices), nil
}

func (m *Mailchimp) CanBackfill() bool { return true }

// EarliestBackfill is 180 days back, the activity endpoint's horizon.
func (m *Mailchimp) EarliestBackfill() civil.Date {
	return civil.DateOf(m.clock.Now().UTC()).AddDays(-180)
}

func (m *Mailchimp) CollectLatest(ctx context.Context) (domain.Measurement, error) {
	return integrations.LatestViaRange(ctx, m, m.clock)
}

func (m *Mailchimp) CollectRange(ctx context.Context, start, end civil.Date, emit integrations.EmitFunc) error {
	var out struct {
		Activity []map[string]any `json:"activity"`
	}
	activityURL := fmt.Sprintf("%s/3.0/lists/%s/activity?count=1000", m.apiEndpoint, m.listID)
	if err := m.client.GetJSON(ctx, activityURL, nil, &out); err != nil {
		return err
	}

	// The endpoint returns newest first; collect, filter, then emit ascending.
	var collected []domain.Measurement
	for _, entry := range out.Activity {
		dayStr, _ := entry["day"].(string)
		day, err := civil.ParseDate(dayStr)
		if err != nil {
			return fmt.Errorf("mailchimp returned invalid day %q: %w", dayStr, err)
		}
		if day.Before(start) || end.Before(day) {
			continue
		}
		value, ok := entry[m.statistic].(float64)
		if !ok {
			return domain.UserFixable("mailchimp: unknown statistic %q", m.statistic)
		}
		collected = append(collected, domain.Measurement{Date: day, Value: value})
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].Date.Before(collected[j].Date) })
	for _, measurement := range collected {
		if err := emit(measurement); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mailchimp) Close() error {
	m.client.Close()
	return nil
}
