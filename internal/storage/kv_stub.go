//go:build !js || !wasm

package storage

import "errors"

// ErrKVUnsupported is returned by NewKV outside Cloudflare Workers builds.
var ErrKVUnsupported = errors.New("kv storage is only available in js/wasm worker builds")

func NewKV(binding string) (Storage, error) {
	return nil, ErrKVUnsupported
}
