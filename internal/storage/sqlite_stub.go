//go:build js && wasm

package storage

import "errors"

// ErrSQLiteUnsupported is returned by NewSQLite in Cloudflare Workers builds.
var ErrSQLiteUnsupported = errors.New("sqlite storage is not available in js/wasm worker builds")

func NewSQLite(dbPath string) (Storage, error) {
	return nil, ErrSQLiteUnsupported
}
