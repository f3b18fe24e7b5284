package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/metrics"
)

const httpCallTimeout = 30 * time.Second

// Session executes requests with a bearer token and keeps that token alive.
// A request is replayed at most once: either after a proactive refresh of an
// expired token, or after the provider answered 401.
//
// Sessions are reconstructed per job from the metric's stored credential bag.
// Per-metric job serialization keeps refreshes from racing across processes;
// the internal mutex covers bursts of requests inside one job.
type Session struct {
	provider  *Provider
	persister domain.CredentialPersister
	client    *http.Client
	clock     clockwork.Clock

	mu    sync.Mutex
	creds domain.Credentials
}

type SessionOption func(*Session)

func WithHTTPClient(client *http.Client) SessionOption {
	return func(s *Session) { s.client = client }
}

func WithClock(clock clockwork.Clock) SessionOption {
	return func(s *Session) { s.clock = clock }
}

func NewSession(p *Provider, creds domain.Credentials, persister domain.CredentialPersister, opts ...SessionOption) *Session {
	s := &Session{
		provider:  p,
		persister: persister,
		creds:     creds.Clone(),
		client:    &http.Client{Timeout: httpCallTimeout},
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credentials returns a copy of the current credential bag.
func (s *Session) Credentials() domain.Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Clone()
}

// Client returns an http.Client whose transport routes through the session.
func (s *Session) Client() *http.Client {
	return &http.Client{Transport: sessionTransport{s}, Timeout: httpCallTimeout}
}

type sessionTransport struct{ s *Session }

func (t sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.s.Do(req)
}

// Do sends req with the session's access token. An expired token is refreshed
// before sending; a 401 response triggers one refresh and one replay.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := s.freshToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.send(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !s.canRefresh() {
		return resp, nil
	}

	// The provider rejected a token we believed valid. Refresh and replay
	// once; a request body we cannot rewind cannot be replayed.
	replay, err := rewind(req)
	if err != nil {
		return resp, nil
	}
	resp.Body.Close()

	token, err = s.refresh(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.send(replay, token)
}

func (s *Session) send(req *http.Request, token string) (*http.Response, error) {
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)
	return s.client.Do(authed)
}

func (s *Session) canRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.RefreshToken() != ""
}

// freshToken returns the current access token, refreshing it first when the
// stored expiry has passed. Concurrent callers serialize on the mutex, so a
// burst of requests over an expired token issues exactly one refresh.
func (s *Session) freshToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.Expired(s.clock.Now()) && s.creds.RefreshToken() != "" {
		if err := s.refreshLocked(ctx); err != nil {
			return "", err
		}
	}

	token := s.creds.AccessToken()
	if token == "" {
		return "", domain.UserFixable("%s: no access token, authorization required", s.provider.Name)
	}
	return token, nil
}

// refresh exchanges the refresh token unless another caller already did so
// while this one was waiting on the provider's 401.
func (s *Session) refresh(ctx context.Context, staleToken string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.AccessToken() != staleToken {
		return s.creds.AccessToken(), nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.creds.AccessToken(), nil
}

func (s *Session) refreshLocked(ctx context.Context) (err error) {
	p := s.provider
	defer func() {
		metrics.TokenRefreshesTotal.WithLabelValues(p.Name, refreshResult(err)).Inc()
	}()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", s.creds.RefreshToken())
	form.Set("client_id", p.ClientID)
	form.Set("client_secret", p.ClientSecret)
	if p.OnRefreshRequest != nil {
		p.OnRefreshRequest(form, s.creds)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := &domain.HTTPError{StatusCode: resp.StatusCode, URL: p.TokenURL, Body: body}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return &InvalidGrantError{Provider: p.Name, Err: httpErr}
		}
		return httpErr
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}

	var raw map[string]any
	_ = json.Unmarshal(body, &raw)
	if result.AccessToken == "" {
		return &InvalidGrantError{Provider: p.Name, Err: fmt.Errorf("refresh response contained no access token")}
	}

	creds := s.creds.Clone()
	creds["access_token"] = result.AccessToken
	if result.RefreshToken != "" {
		creds["refresh_token"] = result.RefreshToken
	}
	for _, field := range p.ExtraFields {
		if v, ok := raw[field]; ok {
			creds[field] = v
		}
	}
	delete(creds, "expires_at")
	if result.ExpiresIn > 0 {
		creds["expires_at"] = float64(s.clock.Now().Add(time.Duration(result.ExpiresIn) * time.Second).Unix())
	}
	if p.OnTokenResponse != nil {
		p.OnTokenResponse(creds)
	}

	if s.persister != nil {
		if err := s.persister.PersistCredentials(ctx, creds.Clone()); err != nil {
			return fmt.Errorf("failed to persist refreshed credentials: %w", err)
		}
	}

	s.creds = creds
	return nil
}

func refreshResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.As(err, new(*InvalidGrantError)):
		return "invalid_grant"
	default:
		return "error"
	}
}

// rewind clones req with a replayable body. Requests without a body replay
// as plain clones; requests whose body cannot be re-read return an error.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}
