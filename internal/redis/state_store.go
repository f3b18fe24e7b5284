package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrStateNotFound marks an authorize state that is unknown, expired, or
// already consumed.
var ErrStateNotFound = errors.New("authorize state not found")

// AuthorizeState is the server side of a pending authorization flow, keyed by
// the opaque state the provider echoes back on the callback.
type AuthorizeState struct {
	IntegrationID string `json:"integration_id"`
	CodeVerifier  string `json:"code_verifier,omitempty"`
	CallbackURI   string `json:"callback_uri"`
}

// StateStore holds pending authorize states with a TTL. States are single
// use: Take removes the entry atomically, so a replayed callback fails.
type StateStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

func NewStateStore(client *Client, ttl time.Duration) *StateStore {
	return &StateStore{rdb: client.rdb, ttl: ttl}
}

func (s *StateStore) Put(ctx context.Context, state string, value AuthorizeState) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal authorize state: %w", err)
	}
	if err := s.rdb.Set(ctx, stateKey(state), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store authorize state: %w", err)
	}
	return nil
}

func (s *StateStore) Take(ctx context.Context, state string) (AuthorizeState, error) {
	payload, err := s.rdb.GetDel(ctx, stateKey(state)).Result()
	if errors.Is(err, goredis.Nil) {
		return AuthorizeState{}, ErrStateNotFound
	}
	if err != nil {
		return AuthorizeState{}, fmt.Errorf("failed to load authorize state: %w", err)
	}

	var value AuthorizeState
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return AuthorizeState{}, fmt.Errorf("failed to unmarshal authorize state: %w", err)
	}
	return value, nil
}

func stateKey(state string) string {
	return "authorize:state:" + state
}
