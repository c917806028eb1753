// Package events fans authentication state changes out to any number of
// subscribers without coupling them to each other.
package events

import (
	"strings"
	"sync"
	"time"

	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/rs/zerolog"
)

type Kind int

const (
	StateChanged Kind = iota
	AuthError
	ExpiryWarning
	CartUpdated
)

func (k Kind) String() string {
	switch k {
	case StateChanged:
		return "state_changed"
	case AuthError:
		return "auth_error"
	case ExpiryWarning:
		return "expiry_warning"
	case CartUpdated:
		return "cart_updated"
	}
	return "unknown"
}

// Event carries the payload relevant to its Kind.
type Event struct {
	Kind      Kind
	Session   credentials.Session
	Reason    string
	Remaining time.Duration
}

type Handler func(Event)

// Navigator is the page host: it knows where the user is and can send them
// somewhere else.
type Navigator interface {
	CurrentPage() string
	Redirect(page string)
}

// SessionStore is the part of the token store the broadcaster needs.
type SessionStore interface {
	Session() credentials.Session
	Clear()
}

type Options struct {
	ProtectedPages []string
	LoginPage      string
	RedirectDelay  time.Duration
	Navigator      Navigator
}

type subscription struct {
	id uint64
	fn Handler
}

type Broadcaster struct {
	store  SessionStore
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	subs     []subscription
	nextID   uint64
	redirect *time.Timer
	closed   bool
}

func New(store SessionStore, opts Options, logger zerolog.Logger) *Broadcaster {
	if opts.LoginPage == "" {
		opts.LoginPage = "/login"
	}
	return &Broadcaster{store: store, opts: opts, logger: logger}
}

// Subscribe registers fn and returns a function that removes it again.
// Handlers run synchronously on the notifying goroutine in registration
// order.
func (b *Broadcaster) Subscribe(fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// NotifyStateChange publishes the current session.
func (b *Broadcaster) NotifyStateChange() {
	b.publish(Event{Kind: StateChanged, Session: b.store.Session()})
}

// NotifyExpiryWarning publishes how long the credential has left.
func (b *Broadcaster) NotifyExpiryWarning(remaining time.Duration) {
	b.publish(Event{Kind: ExpiryWarning, Remaining: remaining})
}

// NotifyCartUpdated tells listeners the cart changed.
func (b *Broadcaster) NotifyCartUpdated() {
	b.publish(Event{Kind: CartUpdated})
}

// NotifyAuthError clears the credential. Only on a protected page is the
// error published and a redirect to the login page scheduled; public pages
// keep browsing anonymously.
func (b *Broadcaster) NotifyAuthError(reason string) {
	b.store.Clear()

	page := b.currentPage()
	if !b.RequiresAuth(page) {
		b.logger.Debug().Str("page", page).Str("reason", reason).Msg("Cleared credential on public page")
		return
	}

	b.logger.Warn().Str("page", page).Str("reason", reason).Msg("Authentication failed on protected page")
	b.publish(Event{Kind: AuthError, Reason: reason})
	b.scheduleRedirect()
}

// RequiresAuth reports whether page is one of the protected pages or
// below one.
func (b *Broadcaster) RequiresAuth(page string) bool {
	for _, p := range b.opts.ProtectedPages {
		if !strings.HasPrefix(page, p) {
			continue
		}
		if len(page) == len(p) || strings.ContainsRune("/.?#", rune(page[len(p)])) {
			return true
		}
	}
	return false
}

// Close cancels a pending redirect and stops scheduling new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.redirect != nil {
		b.redirect.Stop()
		b.redirect = nil
	}
}

func (b *Broadcaster) currentPage() string {
	if b.opts.Navigator == nil {
		return ""
	}
	return b.opts.Navigator.CurrentPage()
}

func (b *Broadcaster) scheduleRedirect() {
	nav := b.opts.Navigator
	if nav == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.redirect != nil {
		return
	}
	login := b.opts.LoginPage
	b.redirect = time.AfterFunc(b.opts.RedirectDelay, func() {
		b.mu.Lock()
		b.redirect = nil
		b.mu.Unlock()
		b.logger.Info().Str("page", login).Msg("Redirecting to login")
		nav.Redirect(login)
	})
}

func (b *Broadcaster) publish(e Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s.fn, e)
	}
}

func (b *Broadcaster) deliver(fn Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", e.Kind.String()).Msg("Event handler panicked")
		}
	}()
	fn(e)
}
