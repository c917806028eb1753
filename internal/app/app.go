// Package app wires the session layer together. Every entrypoint builds
// one App and talks to the services it exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvcrn/storefront-session/internal/auth"
	"github.com/dvcrn/storefront-session/internal/config"
	"github.com/dvcrn/storefront-session/internal/credentials"
	"github.com/dvcrn/storefront-session/internal/events"
	"github.com/dvcrn/storefront-session/internal/gateway"
	"github.com/dvcrn/storefront-session/internal/logger"
	"github.com/dvcrn/storefront-session/internal/metrics"
	"github.com/dvcrn/storefront-session/internal/session"
	"github.com/dvcrn/storefront-session/internal/storage"
	"github.com/dvcrn/storefront-session/internal/storefront"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// StorageWatchInterval is how often a shared session file is polled for
// changes made by other processes.
const StorageWatchInterval = 2 * time.Second

type Options struct {
	// Navigator tells the broadcaster which page is showing. Nil means
	// every page is public.
	Navigator events.Navigator
	// Registerer receives the metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Storage replaces the backend selected by the config.
	Storage storage.Storage
}

type App struct {
	Config    config.Config
	Storage   storage.Storage
	Store     *credentials.Store
	Events    *events.Broadcaster
	Refresher *auth.Coordinator
	Gateway   *gateway.Gateway
	Monitor   *session.Monitor
	Client    *storefront.Client
	Auth      *storefront.AuthManager
	Metrics   *metrics.Metrics

	logger      zerolog.Logger
	unsubscribe []func()
	cancel      context.CancelFunc
}

// OpenStorage returns the backend named by cfg.Storage, encrypted when a
// passphrase is configured.
func OpenStorage(cfg config.Config) (storage.Storage, error) {
	var (
		st  storage.Storage
		err error
	)
	switch cfg.Storage {
	case config.StorageMemory:
		st = storage.NewMemory()
	case config.StorageFile:
		st, err = storage.NewFile(cfg.StoragePath)
	case config.StorageSQLite:
		st, err = storage.NewSQLite(cfg.StoragePath)
	case config.StorageKV:
		st, err = storage.NewKV(cfg.KVBinding)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage, err)
	}
	if cfg.Passphrase == "" {
		return st, nil
	}
	enc, err := storage.NewEncrypted(st, cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to enable storage encryption: %w", err)
	}
	return enc, nil
}

// New builds the session layer. Nothing runs in the background until
// Start is called.
func New(cfg config.Config, opts Options, log zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, err
	}

	st := opts.Storage
	if st == nil {
		if st, err = OpenStorage(cfg); err != nil {
			return nil, err
		}
	}

	store := credentials.NewStore(st, logger.Component(log, "credentials"))
	bc := events.New(store, events.Options{
		ProtectedPages: cfg.ProtectedPages,
		LoginPage:      cfg.LoginPage,
		RedirectDelay:  cfg.RedirectDelay,
		Navigator:      opts.Navigator,
	}, logger.Component(log, "events"))
	store.SetNotifier(bc)

	httpClient := gateway.NewHTTPClient(cfg.BaseURL, cfg.Timeout)
	refresher := auth.NewCoordinator(httpClient, store, bc, m, logger.Component(log, "auth"))

	gw, err := gateway.New(httpClient, store, refresher, bc, gateway.Config{
		RetryCount:    cfg.RetryCount,
		RetryDelay:    cfg.RetryDelay,
		ExpiryWindow:  cfg.ExpiryWindow,
		CacheEnabled:  cfg.CacheEnabled,
		CacheMaxBytes: cfg.CacheMaxBytes,
		CacheTTL:      cfg.CacheTTL,
	}, m, logger.Component(log, "gateway"))
	if err != nil {
		closeStorage(st)
		return nil, err
	}

	monitor := session.New(store, bc, cfg.MonitorInterval, cfg.ExpiryWindow, logger.Component(log, "session"))
	client := storefront.NewClient(gw, bc)

	a := &App{
		Config:    cfg,
		Storage:   st,
		Store:     store,
		Events:    bc,
		Refresher: refresher,
		Gateway:   gw,
		Monitor:   monitor,
		Client:    client,
		Auth:      storefront.NewAuthManager(client, store, bc, logger.Component(log, "storefront")),
		Metrics:   m,
		logger:    log,
	}
	a.unsubscribe = append(a.unsubscribe,
		bc.Subscribe(gw.HandleEvent),
		bc.Subscribe(monitor.HandleEvent),
	)
	return a, nil
}

// Start validates the stored session, starts the monitor when it is
// usable and watches shared storage for changes by other processes. It
// reports whether a valid session was found.
func (a *App) Start(ctx context.Context) bool {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Monitor.Bind(ctx)
	valid := a.CheckSession()
	if valid {
		a.Monitor.Start(ctx)
	}

	if w, ok := a.Storage.(storage.Watcher); ok {
		go func() {
			err := w.Watch(ctx, StorageWatchInterval, a.Monitor.HandleStorageChange)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn().Err(err).Msg("⚠️  Storage watcher stopped")
			}
		}()
	}
	return valid
}

// CheckSession validates the stored credential once. An expired or
// malformed credential goes through the auth-error flow, which stays silent
// unless the current page is protected.
func (a *App) CheckSession() bool {
	if _, ok := a.Store.Get(); !ok {
		a.logger.Info().Msg("👤 No stored session, browsing anonymously")
		return false
	}
	if !a.Store.IsValid() {
		a.logger.Warn().Msg("⚠️  Stored session is no longer valid")
		a.Events.NotifyAuthError("session expired")
		return false
	}

	remaining, _ := a.Store.Remaining()
	ev := a.logger.Info()
	if a.Store.IsExpiringSoon(a.Config.ExpiryWindow) {
		ev = a.logger.Warn()
	}
	if c := a.Store.Claims(); c != nil {
		ev = ev.Int64("user_id", c.UserID).Str("username", c.Username)
	}
	ev.Dur("remaining", remaining.Round(time.Second)).Msg("✅ Session restored")
	return true
}

// Close stops background work and releases the cache and storage.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.Monitor.Stop()
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.Events.Close()
	a.Gateway.Close()
	return closeStorage(a.Storage)
}

func closeStorage(st storage.Storage) error {
	if c, ok := st.(storage.Closer); ok {
		return c.Close()
	}
	return nil
}
