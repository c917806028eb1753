// Package session watches the stored credential in the background and
// turns expiry into events.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/dvcrn/storefront-session/internal/events"
	"github.com/dvcrn/storefront-session/internal/storage"
	"github.com/rs/zerolog"
)

const DefaultInterval = 60 * time.Second

type State int

const (
	Idle State = iota
	Watching
)

func (s State) String() string {
	if s == Watching {
		return "watching"
	}
	return "idle"
}

// TokenStore is the read side of the credential store.
type TokenStore interface {
	Get() (string, bool)
	IsValid() bool
	IsExpiringSoon(window time.Duration) bool
	Remaining() (time.Duration, bool)
}

// Notifier receives what the monitor finds.
type Notifier interface {
	NotifyStateChange()
	NotifyAuthError(reason string)
	NotifyExpiryWarning(remaining time.Duration)
}

type Monitor struct {
	store    TokenStore
	events   Notifier
	interval time.Duration
	window   time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	ctx    context.Context
}

// New creates an idle monitor. Zero durations fall back to the defaults.
func New(store TokenStore, notifier Notifier, interval, window time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if window <= 0 {
		window = credentials.DefaultExpiryWindow
	}
	return &Monitor{
		store:    store,
		events:   notifier,
		interval: interval,
		window:   window,
		logger:   logger,
		ctx:      context.Background(),
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins the periodic check. Calling it while already watching does
// nothing. The check also stops when ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	if m.state == Watching {
		return
	}
	m.state = Watching
	m.stopCh = make(chan struct{})
	go m.run(ctx, m.stopCh)
	m.logger.Debug().Dur("interval", m.interval).Msg("Session monitor started")
}

// Bind sets the context that starts triggered by HandleEvent run under,
// without starting the check.
func (m *Monitor) Bind(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
}

// Stop cancels the periodic check. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked()
}

func (m *Monitor) haltLocked() {
	if m.state == Idle {
		return
	}
	close(m.stopCh)
	m.stopCh = nil
	m.state = Idle
	m.logger.Debug().Msg("Session monitor stopped")
}

func (m *Monitor) run(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			m.mu.Lock()
			if m.stopCh == stopCh {
				m.haltLocked()
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			select {
			case <-stopCh:
				return
			default:
			}
			if !m.Check() {
				return
			}
		}
	}
}

// Check runs one validation pass. An invalid credential stops the monitor
// and starts the auth-error flow; a credential close to expiry raises a
// warning. It reports whether the credential is still valid.
func (m *Monitor) Check() bool {
	if !m.store.IsValid() {
		m.Stop()
		m.logger.Info().Msg("Session expired")
		m.events.NotifyAuthError("session expired")
		return false
	}
	if m.store.IsExpiringSoon(m.window) {
		remaining, _ := m.store.Remaining()
		m.logger.Info().Dur("remaining", remaining).Msg("⏰ Session about to expire")
		m.events.NotifyExpiryWarning(remaining)
	}
	return true
}

// HandleVisibilityChange re-checks the credential as soon as the user comes
// back. Anonymous users are left alone.
func (m *Monitor) HandleVisibilityChange(visible bool) {
	if !visible {
		return
	}
	if _, ok := m.store.Get(); !ok {
		return
	}
	m.Check()
}

// HandleStorageChange reacts to the credential being changed by another
// process sharing the same storage.
func (m *Monitor) HandleStorageChange(key, value string) {
	if key != storage.KeyAccessToken {
		return
	}
	if value == "" {
		m.logger.Info().Msg("Credential removed externally, signing out")
		m.Stop()
		m.events.NotifyAuthError("signed out in another session")
		return
	}
	m.logger.Info().Msg("Credential replaced externally")
	m.events.NotifyStateChange()
}

// HandleEvent keeps the monitor in step with the session: it starts
// watching after a login and stops after a logout.
func (m *Monitor) HandleEvent(e events.Event) {
	if e.Kind != events.StateChanged {
		return
	}
	if e.Session.Authenticated {
		m.mu.Lock()
		ctx := m.ctx
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.Start(ctx)
		return
	}
	m.Stop()
}
