// Package storage provides the key/value persistence the session layer keeps
// its credential and cached profile in.
package storage

import (
	"context"
	"time"
)

const (
	// KeyAccessToken holds the raw bearer credential.
	KeyAccessToken = "access_token"
	// KeyCurrentUser holds the cached profile JSON from /auth/me.
	KeyCurrentUser = "current_user"
)

// Storage is a small string key/value store.
type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// ChangeFunc receives a key whose value was changed by another process.
// An empty value means the key was removed.
type ChangeFunc func(key, value string)

// Watcher is implemented by backends that can observe changes made outside
// the current process.
type Watcher interface {
	Watch(ctx context.Context, interval time.Duration, fn ChangeFunc) error
}

// Closer is implemented by backends holding OS resources.
type Closer interface {
	Close() error
}
