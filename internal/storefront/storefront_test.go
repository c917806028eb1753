package storefront

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvcrn/storefront-session/internal/apitest"
	"github.com/dvcrn/storefront-session/internal/auth"
	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/dvcrn/storefront-session/internal/events"
	"github.com/dvcrn/storefront-session/internal/gateway"
	"github.com/dvcrn/storefront-session/internal/metrics"
	"github.com/dvcrn/storefront-session/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticPage string

func (p staticPage) CurrentPage() string { return string(p) }
func (p staticPage) Redirect(string)     {}

type harness struct {
	api    *apitest.Server
	client *Client
	auth   *AuthManager
	store  *credentials.Store
	bc     *events.Broadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	api := apitest.New(logger)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	store := credentials.NewStore(storage.NewMemory(), logger)
	bc := events.New(store, events.Options{ProtectedPages: []string{"/cart"}, Navigator: staticPage("/")}, logger)
	store.SetNotifier(bc)

	m := metrics.Nop()
	httpClient := gateway.NewHTTPClient(srv.URL, 2*time.Second)
	coord := auth.NewCoordinator(httpClient, store, bc, m, logger)
	gw, err := gateway.New(httpClient, store, coord, bc, gateway.Config{RetryCount: 3, RetryDelay: time.Millisecond, CacheEnabled: true}, m, logger)
	require.NoError(t, err)
	bc.Subscribe(gw.HandleEvent)
	t.Cleanup(func() {
		bc.Close()
		gw.Close()
	})

	client := NewClient(gw, bc)
	return &harness{
		api:    api,
		client: client,
		auth:   NewAuthManager(client, store, bc, logger),
		store:  store,
		bc:     bc,
	}
}

func (h *harness) login(t *testing.T, name string, admin bool) *User {
	t.Helper()
	h.api.AddUser(name, "secret1", admin)
	u, err := h.auth.Login(context.Background(), name, "secret1")
	require.NoError(t, err)
	return u
}

func TestLoginCachesProfile(t *testing.T) {
	h := newHarness(t)
	u := h.login(t, "alice", false)

	assert.Equal(t, "alice", u.UserName)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.True(t, h.auth.IsAuthenticated())
	assert.False(t, h.auth.IsAdmin())

	id, ok := h.auth.UserID()
	require.True(t, ok)
	assert.Equal(t, u.UserID, id)

	current := h.auth.CurrentUser()
	require.NotNil(t, current)
	assert.Equal(t, "alice@example.com", current.Email)
}

func TestLoginWrongPassword(t *testing.T) {
	h := newHarness(t)
	h.api.AddUser("alice", "secret1", false)

	_, err := h.auth.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.Equal(t, "Username or password incorrect", UserMessage(err))
	assert.False(t, h.auth.IsAuthenticated())
	assert.Nil(t, h.auth.CurrentUser())
}

func TestAdminLogin(t *testing.T) {
	h := newHarness(t)
	h.login(t, "root", true)
	assert.True(t, h.auth.IsAdmin())
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.login(t, "alice", false)

	var sessions []bool
	h.bc.Subscribe(func(e events.Event) {
		if e.Kind == events.StateChanged {
			sessions = append(sessions, e.Session.Authenticated)
		}
	})
	h.auth.Logout()

	assert.False(t, h.auth.IsAuthenticated())
	assert.Nil(t, h.auth.CurrentUser())
	assert.Equal(t, []bool{false}, sessions)
	assert.ErrorIs(t, h.auth.EnsureAuthenticated(), ErrNotLoggedIn)
}

func TestRegisterThenLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.auth.Register(ctx, RegisterRequest{Username: "carol", Password: "secret1", Email: "carol@shop.test"})
	require.NoError(t, err)
	assert.NotZero(t, res.UserID)

	_, err = h.auth.Register(ctx, RegisterRequest{Username: "carol", Password: "secret1"})
	require.Error(t, err)
	assert.Equal(t, "Username or email has already been registered.", UserMessage(err))

	u, err := h.auth.Login(ctx, "carol", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "carol@shop.test", u.Email)
}

func TestRefreshUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.auth.RefreshUser(ctx)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	u := h.login(t, "alice", false)
	_, err = h.client.Users.Update(ctx, u.UserID, UserUpdate{Tel: "555-0100"})
	require.NoError(t, err)

	fresh, err := h.auth.RefreshUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "555-0100", fresh.Tel)

	h.api.FailNext(http.MethodGet, "/auth/me", 500, 500, 500)
	kept, err := h.auth.RefreshUser(ctx)
	require.NoError(t, err, "server errors keep the cached profile")
	assert.Equal(t, "555-0100", kept.Tel)
}

func TestProductsAreAnonymous(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lamp := h.api.AddProduct("Desk Lamp", "home", 19.5, 3)
	h.api.AddProduct("Kettle", "kitchen", 30, 0)
	h.api.AddProduct("Floor Lamp", "home", 60, 1)

	all, err := h.client.Products.List(ctx, ProductQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	home, err := h.client.Products.List(ctx, ProductQuery{Type: "home", InStock: true})
	require.NoError(t, err)
	assert.Len(t, home, 2)

	found, err := h.client.Products.Search(ctx, "lamp")
	require.NoError(t, err)
	assert.Len(t, found, 2)

	p, err := h.client.Products.Get(ctx, lamp)
	require.NoError(t, err)
	assert.Equal(t, "Desk Lamp", p.ProductName)

	types, err := h.client.Products.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "kitchen"}, types)

	_, err = h.client.Products.Get(ctx, 999)
	require.Error(t, err)
	assert.Equal(t, "Product does not exist", UserMessage(err))
}

func TestCartChangesNotifyAndInvalidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.login(t, "alice", false)
	pid := h.api.AddProduct("Lamp", "home", 20, 10)

	var updates atomic.Int32
	h.bc.Subscribe(func(e events.Event) {
		if e.Kind == events.CartUpdated {
			updates.Add(1)
		}
	})

	cart, err := h.client.Cart.Get(ctx, u.UserID)
	require.NoError(t, err)
	assert.Zero(t, cart.ItemsCount)

	require.NoError(t, h.client.Cart.Add(ctx, u.UserID, pid, 2))
	cart, err = h.client.Cart.Get(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, 2, cart.ItemsCount, "cached cart was invalidated")
	assert.InDelta(t, 40.0, cart.Total, 0.001)

	require.NoError(t, h.client.Cart.Update(ctx, u.UserID, pid, 5))
	require.NoError(t, h.client.Cart.Remove(ctx, u.UserID, pid))
	cart, err = h.client.Cart.Get(ctx, u.UserID)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)

	assert.Equal(t, int32(3), updates.Load())
	assert.Equal(t, 3, h.api.Hits(http.MethodGet, "/cart/1"))
}

func TestFailedCartChangeDoesNotNotify(t *testing.T) {
	h := newHarness(t)
	u := h.login(t, "alice", false)

	var updates atomic.Int32
	h.bc.Subscribe(func(e events.Event) {
		if e.Kind == events.CartUpdated {
			updates.Add(1)
		}
	})
	err := h.client.Cart.Add(context.Background(), u.UserID, 404, 1)
	require.Error(t, err)
	assert.Zero(t, updates.Load())
}

func TestOrderLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.login(t, "alice", false)
	pid := h.api.AddProduct("Lamp", "home", 20, 10)

	require.NoError(t, h.client.Cart.Add(ctx, u.UserID, pid, 1))
	created, err := h.client.Orders.Create(ctx, CreateOrderRequest{Recipient: "Alice", ShippingAddress: "1 Main St"})
	require.NoError(t, err)
	assert.True(t, created.Success)

	orders, err := h.client.Orders.List(ctx, u.UserID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, OrderPending, orders[0].Status)
	assert.InDelta(t, 20.0, orders[0].TotalAmount, 0.001)

	paid, err := h.client.Orders.Pay(ctx, created.OrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderPaid, paid.Status)

	orders, err = h.client.Orders.List(ctx, u.UserID)
	require.NoError(t, err)
	assert.Equal(t, OrderPaid, orders[0].Status, "order list re-read after payment")

	_, err = h.client.Orders.Cancel(ctx, created.OrderID)
	require.Error(t, err)
	assert.Equal(t, "Only pending orders can be cancelled", UserMessage(err))

	_, err = h.client.Orders.ByStatus(ctx, OrderPaid)
	assert.Equal(t, http.StatusForbidden, gateway.StatusCode(err), "admin endpoints need an admin")
}

func TestAdminOrderQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	buyer := h.login(t, "alice", false)
	pid := h.api.AddProduct("Lamp", "home", 20, 10)
	require.NoError(t, h.client.Cart.Add(ctx, buyer.UserID, pid, 1))
	created, err := h.client.Orders.Create(ctx, CreateOrderRequest{Recipient: "Alice", ShippingAddress: "1 Main St"})
	require.NoError(t, err)
	h.auth.Logout()

	h.login(t, "root", true)
	pending, err := h.client.Orders.ByStatus(ctx, OrderPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = h.client.Orders.UpdateStatus(ctx, created.OrderID, OrderShipped)
	require.NoError(t, err)
	all, err := h.client.Orders.All(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, OrderShipped, all[0].Status)

	_, err = h.client.Orders.UpdateStatus(ctx, created.OrderID, "lost")
	assert.Equal(t, http.StatusBadRequest, gateway.StatusCode(err))

	res, err := h.client.Orders.CompleteOldOrders(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestFavorites(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.login(t, "alice", false)
	pid := h.api.AddProduct("Lamp", "home", 20, 10)

	fav, err := h.client.Favorites.Check(ctx, u.UserID, pid)
	require.NoError(t, err)
	assert.False(t, fav)

	res, err := h.client.Favorites.Add(ctx, u.UserID, pid)
	require.NoError(t, err)
	assert.True(t, res.Success)

	fav, err = h.client.Favorites.Check(ctx, u.UserID, pid)
	require.NoError(t, err)
	assert.True(t, fav, "check is re-read after adding")

	list, err := h.client.Favorites.List(ctx, u.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Lamp", list[0].ProductName)

	_, err = h.client.Favorites.Remove(ctx, u.UserID, pid)
	require.NoError(t, err)
	list, err = h.client.Favorites.List(ctx, u.UserID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemberStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.login(t, "alice", false)

	st, err := h.client.Users.MemberStatus(ctx, u.UserID)
	require.NoError(t, err)
	assert.False(t, st.IsMember)

	st, err = h.client.Users.UpdateMemberStatus(ctx, u.UserID)
	require.NoError(t, err)
	assert.False(t, st.IsMember)

	other, err := h.client.Users.Get(ctx, u.UserID+100)
	assert.Nil(t, other)
	assert.Equal(t, http.StatusForbidden, gateway.StatusCode(err))
}

func TestCartBadge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.login(t, "alice", false)
	pid := h.api.AddProduct("Lamp", "home", 20, 10)

	var seen atomic.Int32
	badge := NewCartBadge(h.client.Cart, h.store, func(n int) { seen.Store(int32(n)) }, zerolog.Nop())
	h.bc.Subscribe(badge.HandleEvent)

	n, err := badge.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, h.client.Cart.Add(ctx, u.UserID, pid, 3))
	assert.Eventually(t, func() bool { return badge.Count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), seen.Load())

	h.auth.Logout()
	assert.Zero(t, badge.Count())
}

func TestSessionExpiryFailsAuthenticatedCalls(t *testing.T) {
	h := newHarness(t)
	u := h.login(t, "alice", false)

	h.api.FailNext(http.MethodGet, "/favorites/1", http.StatusUnauthorized)
	h.api.FailNext(http.MethodPost, auth.RefreshPath, http.StatusUnauthorized)

	_, err := h.client.Favorites.List(context.Background(), u.UserID)
	require.Error(t, err)
	assert.True(t, gateway.IsAuthError(err))
	assert.Equal(t, "Your session has expired, please log in again", UserMessage(err))
	assert.False(t, h.auth.IsAuthenticated())
}
