// Package graph is a small Microsoft Graph client covering the Planner
// surface the sync engine needs.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/annika-hq/plannersync/internal/auth"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// DefaultScopes is the app-permission scope for Graph.
const DefaultScopes = "https://graph.microsoft.com/.default"

// Guard wraps every outbound call. ratelimit.Guard satisfies it.
type Guard interface {
	Do(ctx context.Context, op func(ctx context.Context) error) error
}

type passthrough struct{}

func (passthrough) Do(ctx context.Context, op func(ctx context.Context) error) error { return op(ctx) }

// Client provides HTTP access to Microsoft Graph.
type Client struct {
	BaseURL    string
	Scopes     string
	HTTPClient *http.Client
	Tokens     auth.Provider

	guard Guard
	log   *slog.Logger
	now   func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithGuard routes every request through g.
func WithGuard(g Guard) Option {
	return func(c *Client) { c.guard = g }
}

// WithTimeout sets the per-request HTTP timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithScopes overrides DefaultScopes.
func WithScopes(scopes string) Option {
	return func(c *Client) { c.Scopes = scopes }
}

// WithLogger sets the logger used for dropped malformed records.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Graph client.
func NewClient(baseURL string, tokens auth.Provider, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Scopes:     DefaultScopes,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Tokens:     tokens,
		guard:      passthrough{},
		log:        slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request describes one Graph call.
type request struct {
	method  string
	url     string // absolute, or a path relative to BaseURL
	ifMatch string
	body    interface{}
	prefer  string
}

// do executes req through the guard and decodes a JSON response into out,
// which may be nil.
func (c *Client) do(ctx context.Context, req request, out interface{}) error {
	return c.guard.Do(ctx, func(ctx context.Context) error {
		body, err := c.roundTrip(ctx, req)
		if err != nil {
			return err
		}
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s %s: %w: %w", req.method, req.url, ErrMalformedResponse, err)
		}
		return nil
	})
}

func (c *Client) roundTrip(ctx context.Context, r request) ([]byte, error) {
	token, ok := c.Tokens.Token(ctx, c.Scopes)
	if !ok {
		return nil, ErrNoToken
	}

	apiURL := r.url
	if !strings.HasPrefix(apiURL, "http://") && !strings.HasPrefix(apiURL, "https://") {
		apiURL = c.BaseURL + apiURL
	}

	var bodyReader io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, apiURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "plannersync/1.0")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.ifMatch != "" {
		req.Header.Set("If-Match", r.ifMatch)
	}
	if r.prefer != "" {
		req.Header.Set("Prefer", r.prefer)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Method:     r.method,
			URL:        apiURL,
			Body:       string(respBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	return respBody, nil
}

// page is a Graph collection response.
type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// getPage fetches one page of a collection.
func getPage[T any](ctx context.Context, c *Client, link string) ([]T, string, error) {
	var p page[T]
	if err := c.do(ctx, request{method: http.MethodGet, url: link}, &p); err != nil {
		return nil, "", err
	}
	return p.Value, p.NextLink, nil
}

// getAll follows @odata.nextLink until the collection is exhausted.
func getAll[T any](ctx context.Context, c *Client, link string) ([]T, error) {
	var all []T
	for link != "" {
		items, next, err := getPage[T](ctx, c, link)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if next == link {
			return nil, fmt.Errorf("graph returned a self-referencing nextLink for %s", link)
		}
		link = next
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return all, nil
}

func escape(id string) string {
	return url.PathEscape(id)
}
