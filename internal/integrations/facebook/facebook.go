// Package facebook collects page insight metrics from the Facebook Graph API.
package facebook

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/oauth"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/schema"
)

const defaultGraphURL = "https://graph.facebook.com/v19.0"

// The insights API rejects windows longer than 93 days.
const maxBatchDays = 90

func init() {
	integrations.Register(integrations.Descriptor{
		ID:           "facebook",
		Label:        "Facebook",
		Description:  "Collect metrics such as likes, impressions and reach from your Facebook page.",
		Schema:       configSchema(nil),
		MaxBatchDays: maxBatchDays,
		WebAuth: integrations.OAuthWebAuth{Provider: func(app *config.Config) *oauth.Provider {
			return &oauth.Provider{
				Name:                "facebook",
				ClientID:            app.FacebookAppID,
				ClientSecret:        app.FacebookAppSecret,
				AuthURL:             "https://www.facebook.com/dialog/oauth",
				TokenURL:            defaultGraphURL + "/oauth/access_token",
				AllowScopeDowngrade: app.AllowScopeDowngrade,
				Scopes: []string{
					"public_profile",
					"pages_read_engagement",
					"pages_show_list",
					"business_management",
					"read_insights",
				},
				AuthorizeExtras: map[string]string{
					"auth_type": "rerequest", // re-ask for declined permissions
					"display":   "page",
				},
			}
		}},
		New: New,
	})
}

var metricChoices = []schema.Choice{
	{Title: "Post engagements", Value: "page_post_engagements"},
	{Title: "Post impressions", Value: "page_posts_impressions"},
	{Title: "Post reached users", Value: "page_posts_impressions_unique"},
	{Title: "Page likes", Value: "page_fans"},
}

func configSchema(accountChoices []schema.Choice) *schema.Schema {
	return &schema.Schema{
		Type: schema.TypeDict,
		Keys: map[string]*schema.Schema{
			"account_id": {
				Type:     schema.TypeString,
				Required: true,
				Title:    "Page",
				Choices:  accountChoices,
			},
			"metric": {
				Type:     schema.TypeString,
				Required: true,
				Choices:  metricChoices,
			},
		},
	}
}

type Facebook struct {
	client    *integrations.Client
	graphURL  string
	accountID string
	metric    string
	clock     clockwork.Clock
}

func New(_ context.Context, deps integrations.Deps) (integrations.Integration, error) {
	if deps.Credentials.AccessToken() == "" {
		return nil, domain.UserFixable("facebook: authorization required")
	}

	d, _ := integrations.Get("facebook", false)
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

	return &Facebook{
		client:    integrations.NewClient("facebook", integrations.WithTransport(session.Client())),
		graphURL:  defaultGraphURL,
		accountID: deps.ConfigString("account_id"),
		metric:    deps.ConfigString("metric"),
		clock:     clock,
	}, nil
}

// ConfigSchema lists the pages the authorized user manages.
func (f *Facebook) ConfigSchema(ctx context.Context) (*schema.Schema, error) {
	var out struct {
		Data []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	listURL := f.graphURL + "/me/accounts?fields=" + url.QueryEscape("id,name,username")
	if err := f.client.GetJSON(ctx, listURL, nil, &out); err != nil {
		return nil, err
	}

	choices := make([]schema.Choice, len(out.Data))
	for i, account := range out.Data {
		choices[i] = schema.Choice{Title: account.Name, Value: account.ID}
	}
	sort.Slice(choices, func(i, j int) bool { return choices[i].Title < choices[j].Title })
	return configSchema(choices), nil
}

func (f *Facebook) CanBackfill() bool { return true }

// EarliestBackfill is two years back; older insight data is not served.
func (f *Facebook) EarliestBackfill() civil.Date {
	today := civil.DateOf(f.clock.Now().UTC())
	return civil.Date{Year: today.Year - 2, Month: today.Month, Day: today.Day}
}

func (f *Facebook) CollectLatest(ctx context.Context) (domain.Measurement, error) {
	return integrations.LatestViaRange(ctx, f, f.clock)
}

func (f *Facebook) CollectRange(ctx context.Context, start, end civil.Date, emit integrations.EmitFunc) error {
	pageToken, err := f.pageAccessToken(ctx)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("period", "day")
	params.Set("since", start.String())
	params.Set("until", end.String())
	params.Set("metric", f.metric)
	params.Set("access_token", pageToken)
	nextURL := f.graphURL + "/" + f.accountID + "/insights?" + params.Encode()

	processed := 0
	expected := end.DaysSince(start)
	for {
		var page struct {
			Data []struct {
				Values []struct {
					Value float64 `json:"value"`
				} `json:"values"`
			} `json:"data"`
			Paging struct {
				Next string `json:"next"`
			} `json:"paging"`
		}
		if err := f.client.GetJSON(ctx, nextURL, nil, &page); err != nil {
			return err
		}
		if len(page.Data) == 0 {
			return nil
		}
		if len(page.Data) != 1 {
			return fmt.Errorf("facebook returned %d insight series, expected 1", len(page.Data))
		}

		values := page.Data[0].Values
		for _, v := range values {
			processed++
			// The API pages into future dates; index i maps to since+(i+1)
			// and days beyond the window are dropped.
			day := start.AddDays(processed)
			if !day.After(end) {
				if err := emit(domain.Measurement{Date: day, Value: v.Value}); err != nil {
					return err
				}
			}
		}

		if len(values) >= expected || page.Paging.Next == "" {
			return nil
		}
		nextURL = page.Paging.Next
	}
}

func (f *Facebook) pageAccessToken(ctx context.Context) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	tokenURL := f.graphURL + "/" + f.accountID + "?fields=access_token"
	if err := f.client.GetJSON(ctx, tokenURL, nil, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", domain.UserFixable("facebook: page %s did not return an access token", f.accountID)
	}
	return out.AccessToken, nil
}

func (f *Facebook) Close() error {
	f.client.Close()
	return nil
}
