// Package gateway is the single path from the client to the API. It
// attaches credentials, shares identical in-flight calls, caches reads,
// retries transient failures and drives the refresh-and-replay cycle on
// 401 responses.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/dvcrn/storefront-session/internal/events"
	"github.com/dvcrn/storefront-session/internal/metrics"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRetryCount    = 3
	DefaultRetryDelay    = time.Second
	DefaultCacheMaxBytes = 8 << 20
	DefaultCacheTTL      = 5 * time.Minute
)

// TokenStore is the part of the credential store the gateway consults.
type TokenStore interface {
	Get() (string, bool)
	IsValid() bool
	IsExpiringSoon(window time.Duration) bool
	Session() credentials.Session
}

// Refresher replaces the credential a caller saw with a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, seen string) bool
}

type AuthErrorNotifier interface {
	NotifyAuthError(reason string)
}

type Config struct {
	RetryCount    int
	RetryDelay    time.Duration
	ExpiryWindow  time.Duration
	CacheEnabled  bool
	CacheMaxBytes int64
	CacheTTL      time.Duration
}

// Options describe one call. Body is JSON-encoded unless it is already a
// []byte, json.RawMessage or string.
type Options struct {
	Method        string
	Headers       map[string]string
	Body          interface{}
	Authenticated bool
	NoCache       bool
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (r *Response) clone() *Response {
	out := *r
	out.Body = append([]byte(nil), r.Body...)
	out.Header = r.Header.Clone()
	return &out
}

type Gateway struct {
	client    *resty.Client
	store     TokenStore
	refresher Refresher
	events    AuthErrorNotifier
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	pending singleflight.Group
	cache   *responseCache

	mu       sync.Mutex
	identity identity
}

type identity struct {
	authenticated bool
	userID        int64
}

func New(client *resty.Client, store TokenStore, refresher Refresher, notifier AuthErrorNotifier, cfg Config, m *metrics.Metrics, logger zerolog.Logger) (*Gateway, error) {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = credentials.DefaultExpiryWindow
	}
	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = DefaultCacheMaxBytes
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if m == nil {
		m = metrics.Nop()
	}

	g := &Gateway{
		client:    client,
		store:     store,
		refresher: refresher,
		events:    notifier,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		identity:  identityOf(store.Session()),
	}
	if cfg.CacheEnabled {
		cache, err := newResponseCache(cfg.CacheMaxBytes, cfg.CacheTTL)
		if err != nil {
			return nil, err
		}
		g.cache = cache
	}
	return g, nil
}

// Call performs one API call. See the package doc for what happens on the
// way.
func (g *Gateway) Call(ctx context.Context, endpoint string, opts Options) (*Response, error) {
	start := time.Now()
	resp, cached, err := g.call(ctx, endpoint, opts)
	g.metrics.CallDuration.Observe(time.Since(start).Seconds())
	g.metrics.Calls.WithLabelValues(outcome(cached, err)).Inc()
	return resp, err
}

func outcome(cached bool, err error) string {
	switch {
	case err == nil && cached:
		return "cache_hit"
	case err == nil:
		return "success"
	case IsAuthError(err):
		return "auth_error"
	case StatusCode(err) != 0:
		return "http_error"
	}
	return "error"
}

func (g *Gateway) call(ctx context.Context, endpoint string, opts Options) (*Response, bool, error) {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	if opts.Authenticated {
		if err := g.ensureFresh(ctx); err != nil {
			return nil, false, err
		}
	}

	body, err := encodeBody(opts.Body)
	if err != nil {
		return nil, false, err
	}
	key := method + " " + endpoint + "\n" + string(body)
	if opts.Authenticated {
		key = "a:" + key
	}

	cacheable := method == http.MethodGet && g.cache != nil
	if cacheable && !opts.NoCache {
		if resp, ok := g.cache.get(key); ok {
			g.metrics.CacheHits.Inc()
			g.logger.Debug().Str("endpoint", endpoint).Msg("Served from cache")
			return resp, true, nil
		}
	}

	shared := context.WithoutCancel(ctx)
	leader := false
	ch := g.pending.DoChan(key, func() (interface{}, error) {
		leader = true
		return g.send(shared, method, endpoint, key, body, opts)
	})

	select {
	case res := <-ch:
		if !leader {
			g.metrics.DedupJoins.Inc()
			g.logger.Debug().Str("endpoint", endpoint).Msg("Joined in-flight call")
		}
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*Response).clone(), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// ensureFresh checks the credential before an authenticated call. A missing
// credential is left for the API to judge.
func (g *Gateway) ensureFresh(ctx context.Context) error {
	seen, ok := g.store.Get()
	if !ok {
		return nil
	}
	if !g.store.IsValid() {
		g.events.NotifyAuthError("session expired")
		return &AuthError{Reason: "session expired"}
	}
	if !g.store.IsExpiringSoon(g.cfg.ExpiryWindow) {
		return nil
	}
	g.logger.Info().Msg("Credential expiring soon, refreshing before call")
	if g.refresher.Refresh(ctx, seen) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return &AuthError{Reason: "token refresh failed"}
}

// send runs the retrying call and, for authenticated calls, one
// refresh-and-replay on 401. It is executed once per key no matter how
// many callers wait for it.
func (g *Gateway) send(ctx context.Context, method, endpoint, key string, body []byte, opts Options) (*Response, error) {
	token, _ := g.store.Get()
	resp, err := g.attempt(ctx, method, endpoint, body, opts.Headers, token)
	if opts.Authenticated && StatusCode(err) == http.StatusUnauthorized {
		g.logger.Warn().Str("endpoint", endpoint).Msg("Received 401 Unauthorized, attempting token refresh...")
		if !g.refresher.Refresh(ctx, token) {
			return nil, &AuthError{Reason: "token refresh failed", Err: err}
		}

		g.logger.Info().Str("endpoint", endpoint).Msg("Successfully refreshed credentials, replaying request...")
		token, _ = g.store.Get()
		resp, err = g.attempt(ctx, method, endpoint, body, opts.Headers, token)
		if StatusCode(err) == http.StatusUnauthorized {
			g.logger.Error().Str("endpoint", endpoint).Msg("Still received 401 after token refresh, giving up")
			g.events.NotifyAuthError("unauthorized after token refresh")
			return nil, &AuthError{Reason: "unauthorized after token refresh", Err: err}
		}
	}
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		if method == http.MethodGet {
			g.cache.set(key, endpoint, resp)
		} else if n := g.cache.invalidate(resourceRoot(endpoint)); n > 0 {
			g.logger.Debug().Str("resource", resourceRoot(endpoint)).Int("entries", n).Msg("Invalidated cached reads")
		}
	}
	return resp, nil
}

// attempt sends the request up to RetryCount times with a fixed delay.
// Only transport failures and 5xx responses are retried.
func (g *Gateway) attempt(ctx context.Context, method, endpoint string, body []byte, headers map[string]string, token string) (*Response, error) {
	var lastErr error
	for n := 1; n <= g.cfg.RetryCount; n++ {
		if n > 1 {
			g.metrics.Retries.Inc()
			if err := sleep(ctx, g.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}

		resp, err := g.do(ctx, method, endpoint, body, headers, token)
		if err == nil {
			return resp, nil
		}
		if !retryable(ctx, err) {
			return nil, err
		}
		lastErr = err
		g.logger.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", n).Int("max_attempts", g.cfg.RetryCount).Msg("Request failed, will retry")
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", g.cfg.RetryCount, lastErr)
}

func (g *Gateway) do(ctx context.Context, method, endpoint string, body []byte, headers map[string]string, token string) (*Response, error) {
	requestID := uuid.NewString()
	req := g.client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}
	req.SetHeaders(headers)

	g.metrics.NetworkAttempts.Inc()
	g.logger.Debug().Str("method", method).Str("endpoint", endpoint).Str("request_id", requestID).Msg("Sending request")

	res, err := req.Execute(method, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to send request %s %s: %w", method, endpoint, err)
	}
	if !res.IsSuccess() {
		return nil, &HTTPError{
			Status:     res.StatusCode(),
			StatusText: http.StatusText(res.StatusCode()),
			Body:       res.Body(),
			Method:     method,
			URL:        endpoint,
		}
	}
	return &Response{Status: res.StatusCode(), Header: res.Header(), Body: res.Body()}, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeBody(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return out, nil
}

// ClearCache drops every cached response.
func (g *Gateway) ClearCache() {
	if g.cache != nil {
		g.cache.clear()
	}
}

// InvalidatePrefix drops cached responses for paths at or below prefix.
func (g *Gateway) InvalidatePrefix(prefix string) {
	if g.cache != nil {
		g.cache.invalidate(prefix)
	}
}

// HandleEvent keeps the cache and credential in step with the session.
// Subscribe it to the broadcaster.
func (g *Gateway) HandleEvent(e events.Event) {
	switch e.Kind {
	case events.StateChanged:
		next := identityOf(e.Session)
		g.mu.Lock()
		changed := next != g.identity
		g.identity = next
		g.mu.Unlock()
		if changed {
			g.logger.Debug().Bool("authenticated", next.authenticated).Int64("user_id", next.userID).Msg("Identity changed, clearing cache")
			g.ClearCache()
		}
	case events.CartUpdated:
		g.InvalidatePrefix("/cart")
	case events.ExpiryWarning:
		if token, ok := g.store.Get(); ok {
			go g.refresher.Refresh(context.Background(), token)
		}
	}
}

// Close releases the cache.
func (g *Gateway) Close() {
	if g.cache != nil {
		g.cache.close()
	}
}

func identityOf(s credentials.Session) identity {
	if !s.Authenticated || s.User == nil {
		return identity{}
	}
	return identity{authenticated: true, userID: s.User.UserID}
}
