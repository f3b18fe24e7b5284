package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/metrics"
)

const defaultRequestTimeout = 30 * time.Second

// Client is the outbound HTTP client integrations share: it extracts
// non-2xx responses into domain.HTTPError, applies an optional client-side
// rate limit, and trips a circuit breaker on sustained provider failures.
// Clients are per-job, never shared across metrics.
type Client struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

type ClientOption func(*Client)

// WithTransport swaps the underlying http.Client, e.g. an OAuth session
// client or a test double.
func WithTransport(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.http = httpClient }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func NewClient(name string, opts ...ClientOption) *Client {
	c := &Client{
		name: name,
		http: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
		},
		// Only transport errors and 5xx count as breaker failures; a 4xx
		// is the caller's problem, not the provider being down.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var he *domain.HTTPError
			if errors.As(err, &he) {
				return he.StatusCode < 500
			}
			return false
		},
	})

	return c
}

// Do executes req and returns the response body. Non-2xx statuses return a
// *domain.HTTPError carrying the body; an open breaker surfaces as transient.
func (c *Client) Do(req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	body, err := c.breaker.Execute(func() (any, error) {
		return c.roundTrip(req)
	})
	metrics.ProviderRequestDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	metrics.ProviderRequestsTotal.WithLabelValues(c.name, statusClass(err)).Inc()

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.Transient(fmt.Errorf("%s: circuit breaker open: %w", c.name, err))
		}
		if domain.IsRateLimited(err) {
			metrics.ProviderRateLimitedTotal.WithLabelValues(c.name).Inc()
		}
		return nil, err
	}
	return body.([]byte), nil
}

func (c *Client) roundTrip(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s response read failed: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.HTTPError{StatusCode: resp.StatusCode, URL: req.URL.String(), Body: body}
	}
	return body, nil
}

// GetJSON fetches url and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	body, err := c.Do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s returned invalid JSON: %w", c.name, err)
	}
	return nil
}

// PostJSON sends a JSON payload and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, payload, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	body, err := c.Do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s returned invalid JSON: %w", c.name, err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func statusClass(err error) string {
	if err == nil {
		return "2xx"
	}
	var he *domain.HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode >= 500:
			return "5xx"
		case he.StatusCode >= 400:
			return "4xx"
		}
	}
	return "error"
}
