package domain

import (
	"context"
	"time"
)

// Credentials is the opaque bag an integration stores per metric. For OAuth2
// integrations it contains at least access_token, and usually refresh_token
// and expires_at (absolute epoch seconds).
type Credentials map[string]any

// AccessToken returns the access token, or "" when absent.
func (c Credentials) AccessToken() string {
	return c.str("access_token")
}

// RefreshToken returns the refresh token, or "" when absent.
func (c Credentials) RefreshToken() string {
	return c.str("refresh_token")
}

// ExpiresAt returns the absolute token expiry, or the zero time when unknown.
func (c Credentials) ExpiresAt() time.Time {
	v, ok := c["expires_at"]
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0)
	case int64:
		return time.Unix(t, 0)
	case int:
		return time.Unix(int64(t), 0)
	}
	return time.Time{}
}

// Expired reports whether the token expiry is known and lies before now,
// with a one minute safety margin.
func (c Credentials) Expired(now time.Time) bool {
	at := c.ExpiresAt()
	if at.IsZero() {
		return false
	}
	return now.Add(time.Minute).After(at)
}

// Clone returns a shallow copy so callers can mutate without aliasing.
func (c Credentials) Clone() Credentials {
	if c == nil {
		return nil
	}
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func (c Credentials) str(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// CredentialPersister durably stores refreshed credentials for the metric (or
// organization) that owns them. The session manager calls it after every
// successful token refresh, before replaying the original request.
type CredentialPersister interface {
	PersistCredentials(ctx context.Context, creds Credentials) error
}

// PersisterFunc adapts a function to the CredentialPersister interface.
type PersisterFunc func(ctx context.Context, creds Credentials) error

func (f PersisterFunc) PersistCredentials(ctx context.Context, creds Credentials) error {
	return f(ctx, creds)
}
