// Package integrations defines the contract every data-source integration
// implements and the registry through which the runtime finds them.
package integrations

import (
	"context"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/oauth"
	"github.com/measured-io/measured/internal/platform/config"
	"github.com/measured-io/measured/internal/schema"
)

// EmitFunc receives measurements as an integration produces them. Returning
// an error aborts the collection.
type EmitFunc func(domain.Measurement) error

// Integration is one configured data source. Construction performs setup
// (credential assertion, HTTP session); Close is the matching teardown and
// must run on every exit path.
type Integration interface {
	// ConfigSchema may depend on the current credentials (e.g. listing
	// accessible accounts). Without credentials it returns the static schema.
	ConfigSchema(ctx context.Context) (*schema.Schema, error)

	// CanBackfill reports whether historical collection is supported for
	// the current configuration.
	CanBackfill() bool

	// EarliestBackfill is the lower bound of historical availability.
	EarliestBackfill() civil.Date

	// CollectLatest returns the most recent measurement, or
	// domain.ErrNoData when the provider has nothing.
	CollectLatest(ctx context.Context) (domain.Measurement, error)

	// CollectRange streams measurements for [start, end], inclusive, in
	// ascending date order.
	CollectRange(ctx context.Context, start, end civil.Date, emit EmitFunc) error

	Close() error
}

// DefaultEarliestBackfill bounds backfills for integrations that do not
// declare their own availability horizon.
func DefaultEarliestBackfill() civil.Date {
	return civil.Date{Year: 2016, Month: 1, Day: 1}
}

// Deps carries everything a factory needs to construct an integration for
// one metric.
type Deps struct {
	// Config is the metric's integration config, validated against the
	// integration's schema.
	Config map[string]any

	// Credentials is the metric's stored credential bag, nil for
	// unauthenticated integrations.
	Credentials domain.Credentials

	// Persister stores refreshed credentials back on the metric.
	Persister domain.CredentialPersister

	// App is the process configuration (provider client ids and secrets).
	App *config.Config

	Clock clockwork.Clock

	// HTTPClient overrides the integration's outbound client in tests.
	HTTPClient *http.Client
}

func (d Deps) clock() clockwork.Clock {
	if d.Clock != nil {
		return d.Clock
	}
	return clockwork.NewRealClock()
}

// ConfigString returns a string config value, or "" when absent.
func (d Deps) ConfigString(key string) string {
	if v, ok := d.Config[key].(string); ok {
		return v
	}
	return ""
}

// NewFunc constructs an integration instance for one metric.
type NewFunc func(ctx context.Context, deps Deps) (Integration, error)

// WebAuth is the authorization surface of integrations whose credentials
// come from a browser flow.
type WebAuth interface {
	StartAuthorize(app *config.Config, callbackURI string) oauth.Authorization
	CompleteAuthorize(ctx context.Context, app *config.Config, callbackURI, incomingURI, state, codeVerifier string) (domain.Credentials, error)
}

// OAuthWebAuth implements WebAuth for standard OAuth2 providers.
type OAuthWebAuth struct {
	// Provider builds the provider description from process config, since
	// client ids and secrets are only known at runtime.
	Provider func(app *config.Config) *oauth.Provider
}

func (w OAuthWebAuth) StartAuthorize(app *config.Config, callbackURI string) oauth.Authorization {
	return oauth.StartAuthorize(w.Provider(app), callbackURI)
}

func (w OAuthWebAuth) CompleteAuthorize(ctx context.Context, app *config.Config, callbackURI, incomingURI, state, codeVerifier string) (domain.Credentials, error) {
	return oauth.CompleteAuthorize(ctx, w.Provider(app), callbackURI, incomingURI, state, codeVerifier)
}

// Descriptor is one integration's static registration record.
type Descriptor struct {
	// ID is the stable identifier stored on metrics.
	ID string

	Label       string
	Description string

	// ExcludeInProd hides the integration outside development.
	ExcludeInProd bool

	// Schema is the static config schema. Dynamic refinement happens on
	// the instance via ConfigSchema.
	Schema *schema.Schema

	// WebAuth is non-nil for integrations authorized through a browser
	// flow; nil means static credentials in the config.
	WebAuth WebAuth

	// MaxBatchDays splits long ranges into fixed windows of this many
	// days; 0 means no limit. MonthBatched splits per calendar month
	// instead.
	MaxBatchDays int
	MonthBatched bool

	New NewFunc
}

// ProtectedFieldPaths lists the secret field paths of the static schema.
func (d Descriptor) ProtectedFieldPaths() [][]string {
	if d.Schema == nil {
		return nil
	}
	return schema.ProtectedPaths(d.Schema)
}
