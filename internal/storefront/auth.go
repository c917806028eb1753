package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/dvcrn/storefront-session/internal/gateway"
	"github.com/rs/zerolog"
)

var (
	ErrNotLoggedIn  = errors.New("not logged in")
	errNoLoginToken = errors.New("login response has no access_token")
)

// SessionStore is the credential store as seen by the auth manager.
type SessionStore interface {
	Get() (string, bool)
	Set(raw string) error
	Clear()
	IsValid() bool
	Claims() *credentials.Claims
	Profile() (json.RawMessage, bool)
	SetProfile(v interface{}) error
}

type AuthErrorNotifier interface {
	NotifyAuthError(reason string)
}

// AuthManager is the login state of the user: it logs in and out and keeps
// the cached profile next to the credential.
type AuthManager struct {
	client *Client
	store  SessionStore
	events AuthErrorNotifier
	logger zerolog.Logger
}

func NewAuthManager(client *Client, store SessionStore, events AuthErrorNotifier, logger zerolog.Logger) *AuthManager {
	return &AuthManager{client: client, store: store, events: events, logger: logger}
}

// Login stores the issued credential and caches the user's profile. When
// the profile cannot be fetched the login still succeeds with what the
// login response said about the user.
func (m *AuthManager) Login(ctx context.Context, username, password string) (*User, error) {
	res, err := m.client.Auth.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	if res.AccessToken == "" {
		return nil, errNoLoginToken
	}
	if err := m.store.Set(res.AccessToken); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	user, err := m.client.Auth.Me(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to fetch profile after login")
		user = &User{UserID: res.UserID, UserName: res.UserName, IsAdmin: res.IsAdmin}
	}
	if err := m.store.SetProfile(user); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to cache profile")
	}
	m.logger.Info().Int64("user_id", user.UserID).Str("user_name", user.UserName).Msg("✅ Logged in")
	return user, nil
}

func (m *AuthManager) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	res, err := m.client.Auth.Register(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}
	m.logger.Info().Int64("user_id", res.UserID).Str("username", res.Username).Msg("Registered")
	return res, nil
}

func (m *AuthManager) Logout() {
	m.store.Clear()
	m.logger.Info().Msg("Logged out")
}

// IsAuthenticated reports whether both a credential and a cached profile
// are present. Validity is checked separately by EnsureAuthenticated.
func (m *AuthManager) IsAuthenticated() bool {
	if _, ok := m.store.Get(); !ok {
		return false
	}
	_, ok := m.store.Profile()
	return ok
}

// IsAdmin reads the admin flag from the credential's claims.
func (m *AuthManager) IsAdmin() bool {
	c := m.store.Claims()
	return c != nil && c.IsAdmin
}

// UserID returns the id of the logged-in user.
func (m *AuthManager) UserID() (int64, bool) {
	c := m.store.Claims()
	if c == nil || c.UserID == 0 {
		return 0, false
	}
	return c.UserID, true
}

// CurrentUser returns the cached profile, falling back to what the
// credential's claims say. It returns nil without a credential.
func (m *AuthManager) CurrentUser() *User {
	if _, ok := m.store.Get(); !ok {
		return nil
	}
	if raw, ok := m.store.Profile(); ok {
		var u User
		if err := json.Unmarshal(raw, &u); err == nil && u.UserID != 0 {
			return &u
		}
	}
	c := m.store.Claims()
	if c == nil {
		return nil
	}
	return &User{UserID: c.UserID, UserName: c.Username, IsAdmin: c.IsAdmin}
}

// RefreshUser re-fetches the profile. On failure other than an
// authentication error the cached profile is kept and returned.
func (m *AuthManager) RefreshUser(ctx context.Context) (*User, error) {
	if !m.IsAuthenticated() {
		return nil, ErrNotLoggedIn
	}
	user, err := m.client.Auth.Me(ctx)
	if err != nil {
		if gateway.IsAuthError(err) {
			return nil, err
		}
		m.logger.Warn().Err(err).Msg("Failed to refresh profile, keeping cached one")
		return m.CurrentUser(), nil
	}
	if err := m.store.SetProfile(user); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to cache profile")
	}
	return user, nil
}

// EnsureAuthenticated runs the auth-error flow unless a valid credential
// is present.
func (m *AuthManager) EnsureAuthenticated() error {
	if m.store.IsValid() {
		return nil
	}
	m.events.NotifyAuthError("login required")
	return ErrNotLoggedIn
}
