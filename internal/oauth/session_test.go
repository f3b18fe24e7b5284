package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/measured-io/measured/internal/domain"
)

type recordingPersister struct {
	mu    sync.Mutex
	calls int
	last  domain.Credentials
}

func (p *recordingPersister) PersistCredentials(_ context.Context, creds domain.Credentials) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = creds
	return nil
}

func validCreds(now time.Time) domain.Credentials {
	return domain.Credentials{
		"access_token":  "tok-old",
		"refresh_token": "ref-old",
		"expires_at":    float64(now.Add(time.Hour).Unix()),
	}
}

func TestSession_AttachesBearerToken(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-old", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	clock := clockwork.NewFakeClock()
	session := NewSession(testProvider("http://unused.example/token"), validCreds(clock.Now()), nil, WithClock(clock))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, api.URL, nil)
	resp, err := session.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSession_RefreshOn401ReplaysOnce(t *testing.T) {
	var refreshes atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "ref-old", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-new","refresh_token":"ref-new","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	clock := clockwork.NewFakeClock()
	persister := &recordingPersister{}
	session := NewSession(testProvider(tokenServer.URL), validCreds(clock.Now()), persister, WithClock(clock))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, api.URL, nil)
	resp, err := session.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, 1, persister.calls)
	assert.Equal(t, "tok-new", persister.last.AccessToken())
	assert.Equal(t, "ref-new", persister.last.RefreshToken())
	assert.Equal(t, "tok-new", session.Credentials().AccessToken())
}

func TestSession_ProactiveRefreshOfExpiredToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-new","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The stale token must never reach the provider.
		assert.Equal(t, "Bearer tok-new", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	clock := clockwork.NewFakeClock()
	creds := domain.Credentials{
		"access_token":  "tok-stale",
		"refresh_token": "ref-old",
		"expires_at":    float64(clock.Now().Add(-time.Hour).Unix()),
	}
	persister := &recordingPersister{}
	session := NewSession(testProvider(tokenServer.URL), creds, persister, WithClock(clock))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, api.URL, nil)
	resp, err := session.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, persister.calls)

	// Refresh kept the old refresh token since the response omitted one.
	assert.Equal(t, "ref-old", session.Credentials().RefreshToken())
}

func TestSession_ConcurrentBurstRefreshesOnce(t *testing.T) {
	var refreshes atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-new","refresh_token":"ref-new","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	clock := clockwork.NewFakeClock()
	creds := domain.Credentials{
		"access_token":  "tok-stale",
		"refresh_token": "ref-old",
		"expires_at":    float64(clock.Now().Add(-time.Hour).Unix()),
	}
	session := NewSession(testProvider(tokenServer.URL), creds, &recordingPersister{}, WithClock(clock))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, api.URL, nil)
			resp, err := session.Do(req)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), refreshes.Load())
}

func TestSession_InvalidGrant(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer tokenServer.Close()

	clock := clockwork.NewFakeClock()
	creds := domain.Credentials{
		"access_token":  "tok-stale",
		"refresh_token": "ref-revoked",
		"expires_at":    float64(clock.Now().Add(-time.Hour).Unix()),
	}
	session := NewSession(testProvider(tokenServer.URL), creds, &recordingPersister{}, WithClock(clock))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://api.example/stats", nil)
	_, err := session.Do(req)

	var invalidGrant *InvalidGrantError
	require.ErrorAs(t, err, &invalidGrant)
	assert.Equal(t, "acme", invalidGrant.Provider)
}

func TestSession_401WithoutRefreshTokenPassesThrough(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	session := NewSession(testProvider("http://unused.example/token"),
		domain.Credentials{"access_token": "tok"}, nil)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, api.URL, nil)
	resp, err := session.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSession_RefreshRequestHook(t *testing.T) {
	var gotForm url.Values
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok-new","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	clock := clockwork.NewFakeClock()
	p := testProvider(tokenServer.URL)
	p.OnRefreshRequest = func(form url.Values, creds domain.Credentials) {
		form.Set("client_type", "confidential")
	}

	creds := domain.Credentials{
		"access_token":  "tok-stale",
		"refresh_token": "ref-old",
		"expires_at":    float64(clock.Now().Add(-time.Hour).Unix()),
	}
	session := NewSession(p, creds, nil, WithClock(clock))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, api.URL, nil)
	resp, err := session.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "confidential", gotForm.Get("client_type"))
}
