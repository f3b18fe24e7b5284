// Package bluesky counts mentions of a search query on Bluesky using a
// username and app password.
package bluesky

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/integrations"
	"github.com/measured-io/measured/internal/schema"
)

const defaultBaseURL = "https://bsky.social"

func init() {
	integrations.Register(integrations.Descriptor{
		ID:          "bluesky",
		Label:       "Bluesky",
		Description: "Mentions on Bluesky.",
		Schema:      configSchema(),
		New:         New,
	})
}

func configSchema() *schema.Schema {
	return &schema.Schema{
		Type: schema.TypeDict,
		Keys: map[string]*schema.Schema{
			"username": {
				Type:     schema.TypeString,
				Required: true,
			},
			"password": {
				Type:     schema.TypeString,
				Format:   schema.FormatPassword,
				Required: true,
			},
			"metric": {
				Type:     schema.TypeString,
				Required: true,
				Choices: []schema.Choice{
					{Title: "Mention count", Value: "query_mention_count"},
					{Title: "Mention likes", Value: "query_mention_likes"},
					{Title: "Mention replies", Value: "query_mention_replies"},
				},
			},
			"metric_query": {
				Type:     schema.TypeString,
				Required: true,
				HelpText: "Search query string; Lucene query syntax is recommended.",
			},
		},
	}
}

type Bluesky struct {
	client    *integrations.Client
	baseURL   string
	accessJwt string
	metric    string
	query     string
	clock     clockwork.Clock
}

// New authenticates against the AT protocol session endpoint. The returned
// access token lives for the duration of one collection job.
func New(ctx context.Context, deps integrations.Deps) (integrations.Integration, error) {
	username := deps.ConfigString("username")
	password := deps.ConfigString("password")
	if username == "" || password == "" {
		return nil, domain.UserFixable("bluesky: username and password are required")
	}

	opts := []integrations.ClientOption{}
	if deps.HTTPClient != nil {
		opts = append(opts, integrations.WithTransport(deps.HTTPClient))
	}

	b := &Bluesky{
		client:  integrations.NewClient("bluesky", opts...),
		baseURL: defaultBaseURL,
		metric:  deps.ConfigString("metric"),
		query:   deps.ConfigString("metric_query"),
		clock:   deps.Clock,
	}
	if base, ok := deps.Config["base_url"].(string); ok && base != "" {
		b.baseURL = base
	}

	var session struct {
		AccessJwt string `json:"accessJwt"`
	}
	payload := map[string]string{"identifier": username, "password": password}
	if err := b.client.PostJSON(ctx, b.baseURL+"/xrpc/com.atproto.server.createSession", nil, payload, &session); err != nil {
		b.client.Close()
		return nil, fmt.Errorf("bluesky session creation failed: %w", err)
	}
	b.accessJwt = session.AccessJwt

	return b, nil
}

func (b *Bluesky) ConfigSchema(context.Context) (*schema.Schema, error) {
	return configSchema(), nil
}

func (b *Bluesky) CanBackfill() bool { return true }

func (b *Bluesky) EarliestBackfill() civil.Date {
	return integrations.DefaultEarliestBackfill()
}

func (b *Bluesky) CollectLatest(ctx context.Context) (domain.Measurement, error) {
	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return integrations.LatestViaRange(ctx, b, clock)
}

func (b *Bluesky) CollectRange(ctx context.Context, start, end civil.Date, emit integrations.EmitFunc) error {
	return integrations.RangePerDay(ctx, start, end, emit, b.collectDay)
}

type post struct {
	LikeCount  float64 `json:"likeCount"`
	ReplyCount float64 `json:"replyCount"`
}

func (b *Bluesky) collectDay(ctx context.Context, day civil.Date) (float64, error) {
	// since is inclusive, until is not.
	since := day.In(time.UTC)
	until := since.Add(24 * time.Hour)

	posts, err := b.searchPosts(ctx, since, until)
	if err != nil {
		return 0, err
	}

	switch b.metric {
	case "query_mention_count":
		return float64(len(posts)), nil
	case "query_mention_likes":
		var sum float64
		for _, p := range posts {
			sum += p.LikeCount
		}
		return sum, nil
	case "query_mention_replies":
		var sum float64
		for _, p := range posts {
			sum += p.ReplyCount
		}
		return sum, nil
	default:
		return 0, domain.UserFixable("bluesky: unknown metric %q", b.metric)
	}
}

func (b *Bluesky) searchPosts(ctx context.Context, since, until time.Time) ([]post, error) {
	var posts []post
	cursor := ""
	header := map[string][]string{"Authorization": {"Bearer " + b.accessJwt}}

	for {
		params := url.Values{}
		params.Set("q", b.query)
		params.Set("since", since.Format(time.RFC3339))
		params.Set("until", until.Format(time.RFC3339))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var page struct {
			Posts  []post `json:"posts"`
			Cursor string `json:"cursor"`
		}
		searchURL := b.baseURL + "/xrpc/app.bsky.feed.searchPosts?" + params.Encode()
		if err := b.client.GetJSON(ctx, searchURL, header, &page); err != nil {
			return nil, err
		}

		posts = append(posts, page.Posts...)
		if page.Cursor == "" {
			return posts, nil
		}
		cursor = page.Cursor
	}
}

func (b *Bluesky) Close() error {
	b.client.Close()
	return nil
}
