// Package credentials owns the single persisted bearer credential.
package credentials

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dvcrn/storefront-session/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultExpiryWindow is how close to expiry a credential counts as
// expiring soon.
const DefaultExpiryWindow = 5 * time.Minute

// Notifier is told whenever the stored credential changes.
type Notifier interface {
	NotifyStateChange()
}

// Store wraps a Storage backend holding one credential and the cached
// profile that belongs to it.
type Store struct {
	storage storage.Storage
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	notifier Notifier
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithNotifier sets the state-change receiver at construction time.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func NewStore(st storage.Storage, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		storage: st,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNotifier sets the state-change receiver. It exists because the
// broadcaster is itself built on top of the store.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// Get returns the raw credential. Storage errors count as absence.
func (s *Store) Get() (string, bool) {
	raw, ok, err := s.storage.Get(storage.KeyAccessToken)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read credential from storage")
		return "", false
	}
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}

// Set validates and persists raw, replacing any previous credential.
// Malformed input leaves the store untouched.
func (s *Store) Set(raw string) error {
	if !WellFormed(raw) {
		s.logger.Warn().Int("token_length", len(raw)).Msg("Rejected malformed credential")
		return ErrMalformedToken
	}
	s.mu.Lock()
	err := s.storage.Set(storage.KeyAccessToken, raw)
	n := s.notifier
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	s.logger.Debug().Msg("Credential stored")
	if n != nil {
		n.NotifyStateChange()
	}
	return nil
}

// Clear removes the credential and the cached profile. Calling it with
// nothing stored is a no-op apart from the notification.
func (s *Store) Clear() {
	s.mu.Lock()
	if err := s.storage.Delete(storage.KeyAccessToken); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete credential")
	}
	if err := s.storage.Delete(storage.KeyCurrentUser); err != nil {
		s.logger.Error().Err(err).Msg("Failed to delete cached profile")
	}
	n := s.notifier
	s.mu.Unlock()
	s.logger.Debug().Msg("Credential cleared")
	if n != nil {
		n.NotifyStateChange()
	}
}

// Claims decodes the current credential, or returns nil.
func (s *Store) Claims() *Claims {
	raw, ok := s.Get()
	if !ok {
		return nil
	}
	c, err := ParseClaims(raw)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to decode credential claims")
		return nil
	}
	return c
}

// IsValid reports whether a credential exists and has not expired. A
// credential expiring exactly now is invalid.
func (s *Store) IsValid() bool {
	c := s.Claims()
	if c == nil {
		return false
	}
	return c.ExpiresAt.After(s.now())
}

// Remaining returns the lifetime left on the current credential.
func (s *Store) Remaining() (time.Duration, bool) {
	c := s.Claims()
	if c == nil {
		return 0, false
	}
	return c.ExpiresAt.Sub(s.now()), true
}

// IsExpiringSoon reports whether less than window is left. A missing or
// undecodable credential is always expiring soon.
func (s *Store) IsExpiringSoon(window time.Duration) bool {
	remaining, ok := s.Remaining()
	if !ok {
		return true
	}
	return remaining < window
}

// Session derives the authentication view from the current credential.
func (s *Store) Session() Session {
	if !s.IsValid() {
		return Session{}
	}
	return Session{Authenticated: true, User: s.Claims()}
}

// Profile returns the cached profile JSON, if any.
func (s *Store) Profile() (json.RawMessage, bool) {
	raw, ok, err := s.storage.Get(storage.KeyCurrentUser)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read cached profile")
		return nil, false
	}
	if !ok || raw == "" {
		return nil, false
	}
	if !json.Valid([]byte(raw)) {
		s.logger.Warn().Msg("Discarding unparseable cached profile")
		_ = s.storage.Delete(storage.KeyCurrentUser)
		return nil, false
	}
	return json.RawMessage(raw), true
}

// SetProfile caches v as the current user's profile.
func (s *Store) SetProfile(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := s.storage.Set(storage.KeyCurrentUser, string(b)); err != nil {
		return fmt.Errorf("failed to cache profile: %w", err)
	}
	return nil
}
