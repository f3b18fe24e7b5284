// Package oauth implements the authorization-code flow and token lifecycle
// shared by all web-auth integrations.
//
// Authorization URL building, PKCE, and the code exchange are delegated to
// golang.org/x/oauth2. Refresh is implemented here because providers need
// per-request fix-ups (compliance hooks) and a persister callback on every
// successful refresh, neither of which x/oauth2's TokenSource exposes.
package oauth

import (
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/measured-io/measured/internal/domain"
)

// TokenHook adjusts a freshly parsed credential bag. Runs after both the
// initial code exchange and every refresh, before persistence.
type TokenHook func(creds domain.Credentials)

// RefreshRequestHook adjusts the refresh form body before it is sent.
type RefreshRequestHook func(form url.Values, creds domain.Credentials)

// Provider describes one OAuth2 provider's endpoints and quirks.
type Provider struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	// UsePKCE enables the S256 code challenge on the authorization request
	// and sends the verifier with the token request.
	UsePKCE bool

	// AuthorizeExtras and TokenExtras are merged into the respective
	// request parameters (e.g. access_type=offline, prompt=consent).
	AuthorizeExtras map[string]string
	TokenExtras     map[string]string

	// ExtraFields are non-standard token response fields copied into the
	// credential bag (e.g. Stripe's stripe_user_id).
	ExtraFields []string

	OnTokenResponse  TokenHook
	OnRefreshRequest RefreshRequestHook

	// AllowScopeDowngrade accepts token responses granting fewer scopes
	// than requested instead of failing the exchange.
	AllowScopeDowngrade bool
}

func (p *Provider) config(callbackURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  callbackURI,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}
}

// grantedScopesCover reports whether the space-separated scope string from a
// token response covers every requested scope. An empty grant string means
// the provider echoed nothing back, which is treated as covered.
func (p *Provider) grantedScopesCover(granted string) bool {
	if granted == "" || len(p.Scopes) == 0 {
		return true
	}

	have := make(map[string]bool)
	for _, s := range strings.Fields(granted) {
		have[s] = true
	}

	for _, want := range p.Scopes {
		if !have[want] {
			return false
		}
	}
	return true
}
