package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dvcrn/storefront-session/internal/apitest"
	"github.com/dvcrn/storefront-session/internal/config"
	"github.com/dvcrn/storefront-session/internal/session"
	"github.com/dvcrn/storefront-session/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type navigator struct {
	mu        sync.Mutex
	page      string
	redirects []string
}

func (n *navigator) CurrentPage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.page
}

func (n *navigator) Redirect(page string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, page)
	n.page = page
}

func (n *navigator) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

func testConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.Storage = config.StorageMemory
	cfg.RetryDelay = time.Millisecond
	cfg.RedirectDelay = 10 * time.Millisecond
	return cfg
}

func newAPI(t *testing.T) (*apitest.Server, string) {
	t.Helper()
	api := apitest.New(zerolog.Nop())
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return api, srv.URL
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	_, err := New(cfg, Options{}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestAnonymousStart(t *testing.T) {
	_, url := newAPI(t)
	a, err := New(testConfig(url), Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.Start(context.Background()))
	assert.Equal(t, session.Idle, a.Monitor.State())
}

func TestLoginStartsMonitorAndLogoutStopsIt(t *testing.T) {
	api, url := newAPI(t)
	api.AddUser("alice", "secret1", false)

	a, err := New(testConfig(url), Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	a.Start(context.Background())

	_, err = a.Auth.Login(context.Background(), "alice", "secret1")
	require.NoError(t, err)
	assert.Equal(t, session.Watching, a.Monitor.State())

	a.Auth.Logout()
	assert.Equal(t, session.Idle, a.Monitor.State())
}

func TestValidStoredSessionIsRestored(t *testing.T) {
	api, url := newAPI(t)
	id := api.AddUser("alice", "secret1", false)
	token, err := api.IssueToken(id)
	require.NoError(t, err)

	st := storage.NewMemory()
	require.NoError(t, st.Set(storage.KeyAccessToken, token))

	a, err := New(testConfig(url), Options{Storage: st}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.Start(context.Background()))
	assert.Equal(t, session.Watching, a.Monitor.State())
	assert.True(t, a.Store.Session().Authenticated)
}

func TestExpiredSessionOnProtectedPage(t *testing.T) {
	api, url := newAPI(t)
	id := api.AddUser("alice", "secret1", false)
	api.SetTokenTTL(-time.Minute)
	token, err := api.IssueToken(id)
	require.NoError(t, err)

	st := storage.NewMemory()
	require.NoError(t, st.Set(storage.KeyAccessToken, token))
	nav := &navigator{page: "/orders"}

	a, err := New(testConfig(url), Options{Storage: st, Navigator: nav}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.Start(context.Background()))
	_, ok := a.Store.Get()
	assert.False(t, ok, "expired credential is cleared")
	assert.Eventually(t, func() bool { return len(nav.Redirects()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/login"}, nav.Redirects())
}

func TestExpiredSessionOnPublicPage(t *testing.T) {
	api, url := newAPI(t)
	id := api.AddUser("alice", "secret1", false)
	api.SetTokenTTL(-time.Minute)
	token, err := api.IssueToken(id)
	require.NoError(t, err)

	st := storage.NewMemory()
	require.NoError(t, st.Set(storage.KeyAccessToken, token))
	nav := &navigator{page: "/products"}

	a, err := New(testConfig(url), Options{Storage: st, Navigator: nav}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	assert.False(t, a.Start(context.Background()))
	_, ok := a.Store.Get()
	assert.False(t, ok)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, nav.Redirects())
}

func TestMetricsRegistered(t *testing.T) {
	api, url := newAPI(t)
	api.AddProduct("Kettle", "kitchen", 25, 3)
	reg := prometheus.NewRegistry()

	a, err := New(testConfig(url), Options{Registerer: reg}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Client.Products.Categories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.Calls.WithLabelValues("success")))

	n, err := testutil.GatherAndCount(reg, "storefront_gateway_calls_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenStorage(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()

	cfg.Storage = config.StorageMemory
	st, err := OpenStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.Memory{}, st)

	cfg.Storage = config.StorageFile
	cfg.StoragePath = filepath.Join(dir, "session.json")
	st, err = OpenStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.File{}, st)

	cfg.Storage = config.StorageSQLite
	cfg.StoragePath = filepath.Join(dir, "session.db")
	cfg.Passphrase = "hunter2"
	st, err = OpenStorage(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.Encrypted{}, st)
	require.NoError(t, st.Set("k", "v"))
	v, ok, err := st.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	require.NoError(t, closeStorage(st))

	cfg.Storage = config.StorageKV
	cfg.Passphrase = ""
	_, err = OpenStorage(cfg)
	assert.ErrorIs(t, err, storage.ErrKVUnsupported)
}

func TestExternalSignOutIsNoticed(t *testing.T) {
	api, url := newAPI(t)
	api.AddUser("alice", "secret1", false)

	cfg := testConfig(url)
	cfg.Storage = config.StorageFile
	cfg.StoragePath = filepath.Join(t.TempDir(), "session.json")

	a, err := New(cfg, Options{}, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	a.Start(context.Background())

	_, err = a.Auth.Login(context.Background(), "alice", "secret1")
	require.NoError(t, err)

	other, err := storage.NewFile(cfg.StoragePath)
	require.NoError(t, err)
	require.NoError(t, other.Delete(storage.KeyAccessToken))

	a.Monitor.HandleStorageChange(storage.KeyAccessToken, "")
	assert.Equal(t, session.Idle, a.Monitor.State())
	assert.False(t, a.Store.Session().Authenticated)
}
