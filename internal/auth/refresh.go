// Package auth keeps the stored credential fresh.
//
// The API has no separate refresh credential: the current access token is
// presented to /auth/refresh and exchanged for a new one. A token that has
// already expired therefore cannot be refreshed and the user has to log in
// again.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dvcrn/storefront-session/internal/metrics"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RefreshPath is the endpoint that exchanges the current token.
const RefreshPath = "/auth/refresh"

const refreshKey = "refresh"

var (
	errNoCredential = errors.New("no credential to refresh")
	errMissingToken = errors.New("refresh response has no access_token")
)

// TokenRefreshResponse is the body returned by the refresh endpoint.
type TokenRefreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

// TokenStore is where the refreshed token is read from and written to.
type TokenStore interface {
	Get() (string, bool)
	Set(raw string) error
}

// AuthErrorNotifier runs the sign-out flow after a failed refresh.
type AuthErrorNotifier interface {
	NotifyAuthError(reason string)
}

// Coordinator makes sure at most one refresh call is in flight. Callers
// arriving while one is pending wait for its outcome instead of starting
// another.
type Coordinator struct {
	client  *resty.Client
	store   TokenStore
	events  AuthErrorNotifier
	metrics *metrics.Metrics
	logger  zerolog.Logger

	group singleflight.Group
}

func NewCoordinator(client *resty.Client, store TokenStore, events AuthErrorNotifier, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	if m == nil {
		m = metrics.Nop()
	}
	return &Coordinator{
		client:  client,
		store:   store,
		events:  events,
		metrics: m,
		logger:  logger,
	}
}

// Refresh exchanges the credential a caller saw for a new one and reports
// whether a usable credential is now stored. All concurrent callers share
// one network call and observe the same result. If the stored credential no
// longer equals seen, another refresh already replaced it and no call is
// made. A caller whose ctx ends stops waiting and gets false; the shared
// call itself carries on for the others.
func (c *Coordinator) Refresh(ctx context.Context, seen string) bool {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.refresh(shared, seen), nil
	})
	select {
	case res := <-ch:
		ok, _ := res.Val.(bool)
		return ok
	case <-ctx.Done():
		return false
	}
}

func (c *Coordinator) refresh(ctx context.Context, seen string) bool {
	current, ok := c.store.Get()
	if !ok {
		return c.fail(errNoCredential, "no_credential")
	}
	if current != seen {
		c.logger.Debug().Msg("Access token already refreshed, skipping")
		return true
	}

	c.logger.Info().Msg("🔄 Refreshing access token")
	token, err := c.exchange(ctx, current)
	if err != nil {
		return c.fail(err, "failed")
	}
	if err := c.store.Set(token); err != nil {
		return c.fail(fmt.Errorf("failed to store refreshed token: %w", err), "failed")
	}

	c.metrics.Refreshes.WithLabelValues("ok").Inc()
	c.logger.Info().Msg("✅ Access token refreshed")
	return true
}

func (c *Coordinator) exchange(ctx context.Context, current string) (string, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+current).
		SetHeader("Content-Type", "application/json").
		Post(RefreshPath)
	if err != nil {
		return "", fmt.Errorf("failed to make refresh request: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("token refresh failed with status %d: %s", resp.StatusCode(), resp.String())
	}

	var out TokenRefreshResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", errMissingToken
	}
	return out.AccessToken, nil
}

func (c *Coordinator) fail(err error, result string) bool {
	c.metrics.Refreshes.WithLabelValues(result).Inc()
	c.logger.Error().Err(err).Msg("❌ Token refresh failed")
	c.events.NotifyAuthError("Authentication failed, please log in again")
	return false
}
