// Package stripe collects revenue and customer metrics through the Stripe
// API, acting on behalf of connected accounts.
//
// Stripe's marketplace authorization hands the connected account id back in
// the callback itself. Requests are then made with the platform's own API
// key plus a Stripe-Account header, so no per-account token is stored or
// refreshed.
package stripe

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/oauth"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/schema"
)

const (
	defaultAPIURL    = "https://api.stripe.com"
	authorizationURL = "https://marketplace.stripe.com/oauth/v2/channellink*AY6Z9EIUHwAAAAeD%23EhcKFWFjY3RfMU1RWUdLQUdrWWk4dFF6Rg/authorize"
	pageLimit        = "50"
)

type metricSpec struct {
	key         string
	title       string
	canBackfill bool
}

var metricSpecs = []metricSpec{
	{key: "customer_count", title: "Customer count", canBackfill: true},
	{key: "subscription_count_trialing", title: "Subscription count (in trial)"},
	{key: "subscription_count_active", title: "Subscription count (active)"},
	{key: "subscriptions_value_trialing", title: "Subscriptions value (in trial)"},
	{key: "subscriptions_value_active", title: "Subscriptions value (active)"},
}

func init() {
	choices := make([]schema.Choice, len(metricSpecs))
	for i, m := range metricSpecs {
		choices[i] = schema.Choice{Title: m.title, Value: m.key}
	}

	integrations.Register(integrations.Descriptor{
		ID:          "stripe",
		Label:       "Stripe",
		Description: "Track daily subscription revenue and customer count.",
		Schema: &schema.Schema{
			Type: schema.TypeDict,
			Keys: map[string]*schema.Schema{
				"metric": {
					Type:     schema.TypeString,
					Required: true,
					Choices:  choices,
				},
			},
		},
		WebAuth: webAuth{},
		New:     New,
	})
}

// webAuth implements the marketplace link flow. There is no code exchange;
// the callback query carries the connected account id directly.
type webAuth struct{}

func (webAuth) StartAuthorize(app *config.Config, callbackURI string) oauth.Authorization {
	state := uuid.NewString()

	// The marketplace rejects plain-http redirect targets.
	redirect := strings.Replace(callbackURI, "http://", "https://", 1)

	return oauth.Authorization{
		URL:   fmt.Sprintf("%s?state=%s&client_id=%s&redirect_uri=%s", authorizationURL, state, app.StripeClientID, url.QueryEscape(redirect)),
		State: state,
	}
}

func (webAuth) CompleteAuthorize(_ context.Context, _ *config.Config, _, incomingURI, state, _ string) (domain.Credentials, error) {
	parsed, err := url.Parse(incomingURI)
	if err != nil {
		return nil, fmt.Errorf("invalid callback uri: %w", err)
	}
	query := parsed.Query()

	if e := query.Get("error"); e != "" {
		return nil, domain.UserFixable("stripe authorization failed: %s (%s)", e, query.Get("error_description"))
	}
	if query.Get("state") != state {
		return nil, oauth.ErrStateMismatch
	}

	accountID := query.Get("stripe_user_id")
	if accountID == "" {
		return nil, domain.UserFixable("stripe authorization did not return an account id")
	}
	return domain.Credentials{"stripe_user_id": accountID}, nil
}

type Stripe struct {
	client    *integrations.Client
	apiURL    string
	apiKey    string
	accountID string
	metric    metricSpec
	clock     clockwork.Clock
}

func New(_ context.Context, deps integrations.Deps) (integrations.Integration, error) {
	if deps.App.StripeAPIKey == "" {
		return nil, domain.UserFixable("stripe: no API key configured, set STRIPE_API_KEY")
	}

	accountID, _ := deps.Credentials["stripe_user_id"].(string)
	if accountID == "" {
		return nil, domain.UserFixable("stripe: authorization required")
	}

	key := deps.ConfigString("metric")
	var metric metricSpec
	for _, m := range metricSpecs {
		if m.key == key {
			metric = m
		}
	}
	if metric.key == "" {
		return nil, domain.UserFixable("stripe: unknown metric %q", key)
	}

	apiURL := defaultAPIURL
	if override, ok := deps.Config["api_url"].(string); ok && override != "" {
		apiURL = override
	}

	var opts []integrations.ClientOption
	if deps.HTTPClient != nil {
		opts = append(opts, integrations.WithTransport(deps.HTTPClient))
	}

	return &Stripe{
		client:    integrations.NewClient("stripe", opts...),
		apiURL:    apiURL,
		apiKey:    deps.App.StripeAPIKey,
		accountID: accountID,
		metric:    metric,
		clock:     deps.Clock,
	}, nil
}

func (s *Stripe) ConfigSchema(context.Context) (*schema.Schema, error) {
	d, err := integrations.Get("stripe", false)
	if err != nil {
		return nil, err
	}
	return d.Schema, nil
}

func (s *Stripe) CanBackfill() bool { return s.metric.canBackfill }

func (s *Stripe) EarliestBackfill() civil.Date {
	return integrations.DefaultEarliestBackfill()
}

type listPage struct {
	Data    []stripeObject `json:"data"`
	HasMore bool           `json:"has_more"`
}

type stripeObject struct {
	ID    string `json:"id"`
	Items struct {
		Data []struct {
			Quantity float64 `json:"quantity"`
			Price    struct {
				UnitAmount float64 `json:"unit_amount"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// header authenticates as the platform while acting on the connected account.
func (s *Stripe) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(s.apiKey+":")))
	h.Set("Stripe-Account", s.accountID)
	return h
}

// listAll follows starting_after cursors until has_more is false.
func (s *Stripe) listAll(ctx context.Context, path string, params url.Values) ([]stripeObject, error) {
	params.Set("limit", pageLimit)

	var all []stripeObject
	for {
		var page listPage
		if err := s.client.GetJSON(ctx, s.apiURL+path+"?"+params.Encode(), s.header(), &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)

		if !page.HasMore || len(page.Data) == 0 {
			return all, nil
		}
		params.Set("starting_after", page.Data[len(page.Data)-1].ID)
	}
}

func (s *Stripe) CollectLatest(ctx context.Context) (domain.Measurement, error) {
	today := civil.DateOf(s.now())

	switch {
	case s.metric.key == "customer_count":
		return integrations.LatestViaRange(ctx, s, s.clockOrReal())

	case strings.HasPrefix(s.metric.key, "subscription_count_"):
		status := strings.TrimPrefix(s.metric.key, "subscription_count_")
		subs, err := s.listAll(ctx, "/v1/subscriptions", url.Values{"status": {status}})
		if err != nil {
			return domain.Measurement{}, err
		}
		return domain.Measurement{Date: today, Value: float64(len(subs))}, nil

	case strings.HasPrefix(s.metric.key, "subscriptions_value_"):
		status := strings.TrimPrefix(s.metric.key, "subscriptions_value_")
		subs, err := s.listAll(ctx, "/v1/subscriptions", url.Values{"status": {status}})
		if err != nil {
			return domain.Measurement{}, err
		}
		var total float64
		for _, sub := range subs {
			for _, item := range sub.Items.Data {
				total += item.Price.UnitAmount * item.Quantity / 100
			}
		}
		return domain.Measurement{Date: today, Value: total}, nil
	}

	return domain.Measurement{}, domain.UserFixable("stripe: unknown metric %q", s.metric.key)
}

func (s *Stripe) CollectRange(ctx context.Context, start, end civil.Date, emit integrations.EmitFunc) error {
	if s.metric.key != "customer_count" {
		return domain.UserFixable("stripe: metric %q cannot be backfilled", s.metric.key)
	}

	return integrations.RangePerDay(ctx, start, end, emit, func(ctx context.Context, day civil.Date) (float64, error) {
		endOfDay := time.Date(day.Year, day.Month, day.Day, 23, 59, 59, 0, time.UTC)
		customers, err := s.listAll(ctx, "/v1/customers", url.Values{
			"created[lte]": {fmt.Sprintf("%d", endOfDay.Unix())},
		})
		if err != nil {
			return 0, err
		}
		return float64(len(customers)), nil
	})
}

func (s *Stripe) Close() error {
	s.client.Close()
	return nil
}

func (s *Stripe) now() time.Time {
	return s.clockOrReal().Now().UTC()
}

func (s *Stripe) clockOrReal() clockwork.Clock {
	if s.clock != nil {
		return s.clock
	}
	return clockwork.NewRealClock()
}
