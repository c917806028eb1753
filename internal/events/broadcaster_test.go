package events

import (
	"sync"
	"testing"
	"time"

	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	session credentials.Session
	cleared int
}

func (f *fakeStore) Session() credentials.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeStore) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
	f.session = credentials.Session{}
}

type fakeNavigator struct {
	mu        sync.Mutex
	page      string
	redirects []string
}

func (n *fakeNavigator) CurrentPage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.page
}

func (n *fakeNavigator) Redirect(page string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, page)
}

func (n *fakeNavigator) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

func newBroadcaster(page string) (*Broadcaster, *fakeStore, *fakeNavigator) {
	store := &fakeStore{session: credentials.Session{Authenticated: true, User: &credentials.Claims{UserID: 1}}}
	nav := &fakeNavigator{page: page}
	b := New(store, Options{
		ProtectedPages: []string{"/profile", "/orders", "/cart", "/admin"},
		RedirectDelay:  10 * time.Millisecond,
		Navigator:      nav,
	}, zerolog.Nop())
	return b, store, nav
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	b, _, _ := newBroadcaster("/")

	var order []string
	unsubA := b.Subscribe(func(e Event) { order = append(order, "a:"+e.Kind.String()) })
	b.Subscribe(func(e Event) { order = append(order, "b:"+e.Kind.String()) })

	b.NotifyCartUpdated()
	unsubA()
	unsubA()
	b.NotifyCartUpdated()

	assert.Equal(t, []string{"a:cart_updated", "b:cart_updated", "b:cart_updated"}, order)
}

func TestStateChangeCarriesSession(t *testing.T) {
	b, _, _ := newBroadcaster("/")
	var got Event
	b.Subscribe(func(e Event) { got = e })

	b.NotifyStateChange()
	assert.Equal(t, StateChanged, got.Kind)
	assert.True(t, got.Session.Authenticated)
	require.NotNil(t, got.Session.User)
	assert.Equal(t, int64(1), got.Session.User.UserID)
}

func TestExpiryWarning(t *testing.T) {
	b, _, _ := newBroadcaster("/")
	var got Event
	b.Subscribe(func(e Event) { got = e })
	b.NotifyExpiryWarning(90 * time.Second)
	assert.Equal(t, ExpiryWarning, got.Kind)
	assert.Equal(t, 90*time.Second, got.Remaining)
}

func TestAuthErrorOnProtectedPageRedirects(t *testing.T) {
	b, store, nav := newBroadcaster("/orders")
	defer b.Close()

	var reasons []string
	b.Subscribe(func(e Event) {
		if e.Kind == AuthError {
			reasons = append(reasons, e.Reason)
		}
	})

	b.NotifyAuthError("refresh failed")
	b.NotifyAuthError("refresh failed again")

	assert.Equal(t, 2, store.cleared)
	assert.Equal(t, []string{"refresh failed", "refresh failed again"}, reasons)
	assert.Empty(t, nav.Redirects(), "redirect waits for the delay")

	assert.Eventually(t, func() bool { return len(nav.Redirects()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"/login"}, nav.Redirects(), "only one redirect is scheduled at a time")
}

func TestAuthErrorOnPublicPageIsSilent(t *testing.T) {
	b, store, nav := newBroadcaster("/products/12")
	defer b.Close()

	called := false
	b.Subscribe(func(e Event) {
		if e.Kind == AuthError {
			called = true
		}
	})

	b.NotifyAuthError("token expired")
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 1, store.cleared, "credential is still cleared")
	assert.False(t, called)
	assert.Empty(t, nav.Redirects())
}

func TestCloseCancelsPendingRedirect(t *testing.T) {
	b, _, nav := newBroadcaster("/admin")
	b.NotifyAuthError("expired")
	b.Close()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, nav.Redirects())

	b.NotifyAuthError("expired")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, nav.Redirects())
}

func TestRequiresAuth(t *testing.T) {
	b, _, _ := newBroadcaster("/")
	assert.True(t, b.RequiresAuth("/cart"))
	assert.True(t, b.RequiresAuth("/cart.html"))
	assert.True(t, b.RequiresAuth("/orders/15"))
	assert.True(t, b.RequiresAuth("/profile?tab=favorites"))
	assert.False(t, b.RequiresAuth("/cartoons"))
	assert.False(t, b.RequiresAuth("/"))
	assert.False(t, b.RequiresAuth(""))
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	b, _, _ := newBroadcaster("/")
	reached := false
	b.Subscribe(func(Event) { panic("boom") })
	b.Subscribe(func(Event) { reached = true })

	assert.NotPanics(t, b.NotifyCartUpdated)
	assert.True(t, reached)
}

func TestNoNavigatorMeansPublic(t *testing.T) {
	store := &fakeStore{}
	b := New(store, Options{ProtectedPages: []string{"/cart"}}, zerolog.Nop())
	b.NotifyAuthError("x")
	assert.Equal(t, 1, store.cleared)
}
