package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gqlgate/gqlgate/internal/pkg/logger"
	"github.com/gqlgate/gqlgate/internal/pkg/metrics"
)

// RefreshBuffer is the safety margin before true expiry at which a cached
// token is considered stale and refreshed proactively, so an in-flight
// request is never sent with a token about to expire.
const RefreshBuffer = 300 * time.Second

// Response is the token endpoint payload. ExpiresAt is an absolute UNIX
// timestamp in seconds; when the endpoint omits it, the expiry is decoded
// from the token's own exp claim.
type Response struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// RequestDecorator mutates the token-endpoint request before it is sent,
// typically to attach session credentials (a cookie).
type RequestDecorator func(*http.Request)

// Manager owns an in-memory bearer token and its expiry. The token lives
// only in process memory: it is never written to disk, cookies, or any
// other durable store. All refreshes against the token endpoint are
// single-flight; concurrent callers share one fetch.
type Manager struct {
	endpoint string
	client   *http.Client
	decorate RequestDecorator
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	token    string
	expires  time.Time // zero means unknown, treated as invalid
	epoch    uint64    // bumped by Clear; stale fetches are discarded
	inflight *fetch
}

// fetch is the shared handle for one in-flight token endpoint call.
type fetch struct {
	done  chan struct{}
	token string
	ok    bool
}

type Option func(*Manager)

// WithHTTPClient replaces the HTTP client used against the token endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.client = client
	}
}

// WithRequestDecorator installs a hook that decorates every token-endpoint
// request, e.g. with a stored session cookie.
func WithRequestDecorator(decorate RequestDecorator) Option {
	return func(m *Manager) {
		m.decorate = decorate
	}
}

// WithLogger sets the logger; the default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a token manager for the given token endpoint.
func NewManager(endpoint string, opts ...Option) (*Manager, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("token endpoint URL is required")
	}

	m := &Manager{
		endpoint: endpoint,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.client == nil {
		// The default client carries a cookie jar so the browser-style
		// session credential survives across fetches.
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		m.client = &http.Client{
			Jar:     jar,
			Timeout: 15 * time.Second,
		}
	}

	m.log = logger.WithComponent(m.log, "token-manager")
	return m, nil
}

// Token returns a currently-valid bearer token, fetching one from the
// token endpoint if needed. It reports ok=false when no token could be
// obtained; fetch failures are never surfaced as errors, the caller just
// proceeds unauthenticated.
func (m *Manager) Token(ctx context.Context) (string, bool) {
	m.mu.Lock()

	if m.valid() {
		tok := m.token
		m.mu.Unlock()
		metrics.TokenCacheHits.Inc()
		return tok, true
	}

	// A refresh is already in flight: share its result instead of
	// issuing a second fetch.
	if f := m.inflight; f != nil {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.token, f.ok
		case <-ctx.Done():
			return "", false
		}
	}

	f := &fetch{done: make(chan struct{})}
	m.inflight = f
	epoch := m.epoch
	m.mu.Unlock()

	tok, expires, err := m.fetchToken(ctx)

	m.mu.Lock()
	if m.epoch != epoch {
		// Clear ran while the fetch was in flight. The session this
		// token belonged to is gone; do not repopulate the cache.
		m.mu.Unlock()
		m.log.Debug("discarding token fetch result after clear")
		f.token, f.ok = "", false
		close(f.done)
		return "", false
	}
	m.inflight = nil
	if err != nil {
		m.token = ""
		m.expires = time.Time{}
		m.mu.Unlock()
		m.log.Debug("token fetch failed", "error", err)
		f.token, f.ok = "", false
		close(f.done)
		return "", false
	}
	m.token = tok
	m.expires = expires
	m.mu.Unlock()

	f.token, f.ok = tok, true
	close(f.done)
	return tok, true
}

// Clear synchronously wipes the cached token, expiry, and in-flight
// marker. Safe to call at any time, including while a fetch is
// outstanding: the fetch result is discarded when it lands.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.token = ""
	m.expires = time.Time{}
	m.inflight = nil
	m.epoch++
	m.mu.Unlock()
	metrics.TokenCacheClears.Inc()
	m.log.Debug("token cache cleared")
}

// Peek reports the cached token state without triggering a fetch.
func (m *Manager) Peek() (expiresAt time.Time, cached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expires, m.token != ""
}

// valid reports whether the cached token can be served without a refresh.
// Caller must hold m.mu.
func (m *Manager) valid() bool {
	if m.token == "" || m.expires.IsZero() {
		return false
	}
	return m.expires.Sub(m.now()) > RefreshBuffer
}

// fetchToken performs one credentialed GET against the token endpoint.
func (m *Manager) fetchToken(ctx context.Context) (string, time.Time, error) {
	start := m.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint, nil)
	if err != nil {
		metrics.RecordTokenRefresh(m.now().Sub(start), err)
		return "", time.Time{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	if m.decorate != nil {
		m.decorate(req)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.RecordTokenRefresh(m.now().Sub(start), err)
		return "", time.Time{}, fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
		metrics.RecordTokenRefresh(m.now().Sub(start), err)
		return "", time.Time{}, err
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.RecordTokenRefresh(m.now().Sub(start), err)
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if body.Token == "" {
		err := fmt.Errorf("token endpoint returned an empty token")
		metrics.RecordTokenRefresh(m.now().Sub(start), err)
		return "", time.Time{}, err
	}

	var expires time.Time
	if body.ExpiresAt > 0 {
		expires = time.Unix(body.ExpiresAt, 0)
	} else {
		// Fall back to the token's own exp claim. A token whose expiry
		// cannot be determined stays cached with unknown expiry and is
		// refresh-eligible on the next call.
		decoded, err := decodeExpiry(body.Token)
		if err != nil {
			m.log.Debug("could not decode token expiry", "error", err)
		} else {
			expires = decoded
		}
	}

	metrics.RecordTokenRefresh(m.now().Sub(start), nil)
	m.log.Debug("token refreshed", "expires_at", expires)
	return body.Token, expires, nil
}

// decodeExpiry extracts the exp claim from a JWT without verifying the
// signature; the client only needs the expiry, validation is the server's
// concern.
func decodeExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("exp claim not present")
	}
	return exp.Time, nil
}
