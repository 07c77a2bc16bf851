package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gqlgate/gqlgate/internal/pkg/logger"
	"github.com/gqlgate/gqlgate/internal/pkg/metrics"
	"github.com/gqlgate/gqlgate/token"
)

// Config is the immutable client configuration, supplied once at
// construction.
type Config struct {
	// HTTPURL is the GraphQL HTTP endpoint. Required.
	HTTPURL string
	// WSURL is the GraphQL websocket endpoint. Optional; subscriptions
	// are unavailable when empty.
	WSURL string
	// DefaultHeaders are sent with every request and connection. Keys are
	// lower-cased once at construction.
	DefaultHeaders map[string]string
	// Debug enables verbose tracing of requests and connections.
	Debug bool
}

// Client executes GraphQL operations over HTTP and websocket, attaching a
// bearer token from the token manager. One client per session; the
// websocket sub-client is created lazily and shared by all subscriptions.
type Client struct {
	cfg     Config
	headers map[string]string // lower-cased copy of cfg.DefaultHeaders
	tokens  *token.Manager
	http    *http.Client
	log     *slog.Logger

	wsMu sync.Mutex
	ws   *wsClient
}

type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client used for query/mutation calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.http = client
	}
}

// New creates a GraphQL client. tokens may be nil, in which case requests
// are sent unauthenticated (server-side authorization still applies).
func New(cfg Config, tokens *token.Manager, log *slog.Logger, opts ...ClientOption) (*Client, error) {
	if cfg.HTTPURL == "" {
		return nil, fmt.Errorf("graphql HTTP endpoint URL is required")
	}
	if log == nil {
		log = slog.Default()
	}

	headers := make(map[string]string, len(cfg.DefaultHeaders))
	for k, v := range cfg.DefaultHeaders {
		headers[strings.ToLower(k)] = v
	}

	c := &Client{
		cfg:     cfg,
		headers: headers,
		tokens:  tokens,
		log:     logger.WithComponent(log, "graphql-client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	return c, nil
}

// Tokens returns the underlying token manager, or nil when the client is
// unauthenticated. Exposed for advanced use (explicit logout).
func (c *Client) Tokens() *token.Manager {
	return c.tokens
}

// Query executes a GraphQL document over HTTP and decodes the data payload
// into out (ignored when out is nil). Errors are logged and returned
// unchanged; there is no retry.
func (c *Client) Query(ctx context.Context, doc string, vars map[string]any, out any, opts ...RequestOption) error {
	return c.do(ctx, "query", doc, vars, out, opts...)
}

// Mutate executes a mutation. A mutation is just another document string
// to this client; the semantics are identical to Query.
func (c *Client) Mutate(ctx context.Context, doc string, vars map[string]any, out any, opts ...RequestOption) error {
	return c.do(ctx, "mutation", doc, vars, out, opts...)
}

func (c *Client) do(ctx context.Context, operation, doc string, vars map[string]any, out any, opts ...RequestOption) error {
	start := time.Now()
	err := c.execute(ctx, doc, vars, out, opts...)
	duration := time.Since(start)
	metrics.RecordGraphQLRequest(operation, duration, err)
	if err != nil {
		logger.WithDuration(logger.WithOperation(c.log, operation), duration).
			Error("graphql request failed", "error", err)
	}
	return err
}

func (c *Client) execute(ctx context.Context, doc string, vars map[string]any, out any, opts ...RequestOption) error {
	ro := newRequestOptions(opts)

	payload := struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables,omitempty"`
	}{Query: doc, Variables: vars}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.HTTPURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build graphql request: %w", err)
	}
	req.Header.Set("content-type", "application/json")

	for k, v := range c.buildHeaders(ctx, ro) {
		req.Header.Set(k, v)
	}

	if c.cfg.Debug {
		c.log.Debug("executing graphql request", "url", c.cfg.HTTPURL, "bytes", len(body), "skip_auth", ro.skipAuth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("graphql endpoint returned status %d", resp.StatusCode)
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return envelope.Errors
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to decode graphql data: %w", err)
		}
	}
	return nil
}

// buildHeaders merges headers in precedence order: lower-cased defaults,
// then the bearer token (unless skipped or unavailable), then per-request
// overrides.
func (c *Client) buildHeaders(ctx context.Context, ro *requestOptions) map[string]string {
	merged := make(map[string]string, len(c.headers)+len(ro.headers)+1)
	for k, v := range c.headers {
		merged[k] = v
	}
	if !ro.skipAuth && c.tokens != nil {
		if tok, ok := c.tokens.Token(ctx); ok {
			merged["authorization"] = "Bearer " + tok
		}
		// No token: the header is simply omitted and the request
		// proceeds unauthenticated.
	}
	for k, v := range ro.headers {
		merged[strings.ToLower(k)] = v
	}
	return merged
}
