// Package config holds the runtime settings of the storefront client.
// Values come from defaults, an optional config.env file in the user's
// config directory, STOREFRONT_* environment variables and finally CLI flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	AppName     = "storefront"
	EnvFileName = "config.env"

	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageKV     = "kv"
)

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration

	ExpiryWindow    time.Duration
	MonitorInterval time.Duration
	RedirectDelay   time.Duration
	ProtectedPages  []string
	LoginPage       string

	CacheEnabled  bool
	CacheMaxBytes int64
	CacheTTL      time.Duration

	// Disabled feature flags carried over from the web client.
	OfflineSupport    bool
	PushNotifications bool

	Storage     string
	StoragePath string
	KVBinding   string
	Passphrase  string
}

// Default returns the settings the web client shipped with.
func Default() Config {
	return Config{
		BaseURL:         "http://localhost:8000/api",
		Timeout:         10 * time.Second,
		RetryCount:      3,
		RetryDelay:      time.Second,
		ExpiryWindow:    5 * time.Minute,
		MonitorInterval: time.Minute,
		RedirectDelay:   2 * time.Second,
		ProtectedPages:  []string{"/profile", "/orders", "/cart", "/checkout", "/admin"},
		LoginPage:       "/login",
		CacheEnabled:    true,
		CacheMaxBytes:   8 << 20,
		CacheTTL:        5 * time.Minute,
		Storage:         StorageFile,
		StoragePath:     DefaultStoragePath(),
		KVBinding:       "STOREFRONT_SESSION",
	}
}

// DefaultStoragePath returns $XDG_CONFIG_HOME/storefront/session.json,
// falling back to ~/.config.
func DefaultStoragePath() string {
	xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfigHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		xdgConfigHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(xdgConfigHome, AppName, "session.json")
}

// LoadEnvFile loads environment variables from the config file in the
// user's config directory. A missing file is not an error.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	_ = godotenv.Load(filepath.Join(configBase, AppName, EnvFileName))
}

// Load reads the env file and the process environment on top of the defaults.
func Load() (Config, error) {
	LoadEnvFile()
	return LoadFrom(os.LookupEnv)
}

// LoadFrom applies STOREFRONT_* variables returned by lookup to the defaults.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("STOREFRONT_API_URL", &cfg.BaseURL)
	p.duration("STOREFRONT_TIMEOUT", &cfg.Timeout)
	p.integer("STOREFRONT_RETRY_COUNT", &cfg.RetryCount)
	p.duration("STOREFRONT_RETRY_DELAY", &cfg.RetryDelay)
	p.duration("STOREFRONT_EXPIRY_WINDOW", &cfg.ExpiryWindow)
	p.duration("STOREFRONT_MONITOR_INTERVAL", &cfg.MonitorInterval)
	p.duration("STOREFRONT_REDIRECT_DELAY", &cfg.RedirectDelay)
	p.list("STOREFRONT_PROTECTED_PAGES", &cfg.ProtectedPages)
	p.str("STOREFRONT_LOGIN_PAGE", &cfg.LoginPage)
	p.boolean("STOREFRONT_CACHE_ENABLED", &cfg.CacheEnabled)
	p.int64("STOREFRONT_CACHE_MAX_BYTES", &cfg.CacheMaxBytes)
	p.duration("STOREFRONT_CACHE_TTL", &cfg.CacheTTL)
	p.boolean("STOREFRONT_OFFLINE_SUPPORT", &cfg.OfflineSupport)
	p.boolean("STOREFRONT_PUSH_NOTIFICATIONS", &cfg.PushNotifications)
	p.str("STOREFRONT_STORAGE", &cfg.Storage)
	p.str("STOREFRONT_STORAGE_PATH", &cfg.StoragePath)
	p.str("STOREFRONT_KV_BINDING", &cfg.KVBinding)
	p.str("STOREFRONT_PASSPHRASE", &cfg.Passphrase)

	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, nil
}

// RegisterFlags binds the most commonly overridden settings to fs. Flag
// defaults are the values already present in cfg.
func RegisterFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.BaseURL, "api-url", cfg.BaseURL, "Base URL of the storefront REST API")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.IntVar(&cfg.RetryCount, "retries", cfg.RetryCount, "Attempts per request for transient failures")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "Session storage backend: memory, file, sqlite or kv")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "Path of the session file or sqlite database")
	fs.BoolVar(&cfg.CacheEnabled, "cache", cfg.CacheEnabled, "Cache idempotent reads")
}

// Validate rejects settings the client cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("api url is required"))
	}
	if c.RetryCount < 1 {
		errs = append(errs, fmt.Errorf("retry count must be at least 1, got %d", c.RetryCount))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay))
	}
	if c.ExpiryWindow <= 0 {
		errs = append(errs, fmt.Errorf("expiry window must be positive, got %s", c.ExpiryWindow))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("monitor interval must be positive, got %s", c.MonitorInterval))
	}
	if c.CacheEnabled && c.CacheMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("cache max bytes must be positive, got %d", c.CacheMaxBytes))
	}
	switch c.Storage {
	case StorageMemory:
	case StorageKV:
		if c.KVBinding == "" {
			errs = append(errs, errors.New("kv storage needs a binding name"))
		}
	case StorageFile, StorageSQLite:
		if c.StoragePath == "" {
			errs = append(errs, fmt.Errorf("storage %q needs a path", c.Storage))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage))
	}
	return errors.Join(errs...)
}

type parser struct {
	lookup func(string) (string, bool)
	err    error
}

func (p *parser) value(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
}

func (p *parser) str(key string, dst *string) {
	if v, ok := p.value(key); ok {
		*dst = v
	}
}

func (p *parser) list(key string, dst *[]string) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (p *parser) duration(key string, dst *time.Duration) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = d
}

func (p *parser) integer(key string, dst *int) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) int64(key string, dst *int64) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) boolean(key string, dst *bool) {
	v, ok := p.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}
