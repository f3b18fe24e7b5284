// Package plausible collects visitor statistics from the Plausible Analytics
// stats API using a static API key.
package plausible

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/schema"
)

const baseURL = "https://plausible.io/api/v1/stats/aggregate"

func init() {
	integrations.Register(integrations.Descriptor{
		ID:          "plausible",
		Label:       "Plausible",
		Description: "Visitor statistics from Plausible Analytics.",
		Schema:      configSchema(),
		New:         New,
	})
}

func configSchema() *schema.Schema {
	return &schema.Schema{
		Type: schema.TypeDict,
		Keys: map[string]*schema.Schema{
			"site_id": {
				Type:     schema.TypeString,
				Required: true,
				HelpText: "The domain of your site as configured in Plausible.",
			},
			"metric": {
				Type:     schema.TypeString,
				Choices:  schema.StringChoices("visitors"),
				Default:  "visitors",
				Required: true,
			},
			"filters": {
				Type:  schema.TypeArray,
				Items: &schema.Schema{Type: schema.TypeString},
			},
		},
	}
}

type Plausible struct {
	client  *integrations.Client
	apiURL  string
	apiKey  string
	siteID  string
	metric  string
	filters []string
	clock   clockwork.Clock
}

func New(_ context.Context, deps integrations.Deps) (integrations.Integration, error) {
	apiKey := deps.App.PlausibleAPIKey
	if apiKey == "" {
		return nil, domain.UserFixable("plausible: PLAUSIBLE_API_KEY is not configured")
	}

	opts := []integrations.ClientOption{}
	if deps.HTTPClient != nil {
		opts = append(opts, integrations.WithTransport(deps.HTTPClient))
	}

	return &Plausible{
		client:  integrations.NewClient("plausible", opts...),
		apiURL:  baseURL,
		apiKey:  apiKey,
		siteID:  deps.ConfigString("site_id"),
		metric:  deps.ConfigString("metric"),
		filters: configFilters(deps.Config),
		clock:   deps.Clock,
	}, nil
}

func configFilters(config map[string]any) []string {
	raw, ok := config["filters"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p *Plausible) ConfigSchema(context.Context) (*schema.Schema, error) {
	return configSchema(), nil
}

func (p *Plausible) CanBackfill() bool { return true }

func (p *Plausible) EarliestBackfill() civil.Date {
	return integrations.DefaultEarliestBackfill()
}

func (p *Plausible) CollectLatest(ctx context.Context) (domain.Measurement, error) {
	return integrations.LatestViaRange(ctx, p, p.clockOrReal())
}

func (p *Plausible) CollectRange(ctx context.Context, start, end civil.Date, emit integrations.EmitFunc) error {
	return integrations.RangePerDay(ctx, start, end, emit, p.collectDay)
}

func (p *Plausible) collectDay(ctx context.Context, day civil.Date) (float64, error) {
	params := url.Values{}
	params.Set("site_id", p.siteID)
	params.Set("period", "day")
	params.Set("date", day.String())
	params.Set("metrics", p.metric)
	if len(p.filters) > 0 {
		params.Set("filters", strings.Join(p.filters, ";"))
	}

	var out struct {
		Results map[string]struct {
			Value float64 `json:"value"`
		} `json:"results"`
	}
	header := http.Header{"Authorization": []string{"Bearer " + p.apiKey}}
	if err := p.client.GetJSON(ctx, p.apiURL+"?"+params.Encode(), header, &out); err != nil {
		return 0, err
	}

	result, ok := out.Results[p.metric]
	if !ok {
		return 0, fmt.Errorf("plausible response is missing metric %q", p.metric)
	}
	return result.Value, nil
}

func (p *Plausible) Close() error {
	p.client.Close()
	return nil
}

func (p *Plausible) clockOrReal() clockwork.Clock {
	if p.clock != nil {
		return p.clock
	}
	return clockwork.NewRealClock()
}
