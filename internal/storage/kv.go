//go:build js && wasm

package storage

import (
	"fmt"

	"github.com/syumai/workers/cloudflare/kv"
)

// KV stores keys in a Cloudflare Workers KV namespace. The binding name is
// configured in wrangler.toml.
type KV struct {
	ns *kv.Namespace
}

func NewKV(binding string) (Storage, error) {
	ns, err := kv.NewNamespace(binding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &KV{ns: ns}, nil
}

// Get treats an empty string as a missing key; KV has no null values.
func (k *KV) Get(key string) (string, bool, error) {
	v, err := k.ns.GetString(key, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s from KV: %w", key, err)
	}
	return v, v != "", nil
}

func (k *KV) Set(key, value string) error {
	if err := k.ns.PutString(key, value, nil); err != nil {
		return fmt.Errorf("failed to store %s in KV: %w", key, err)
	}
	return nil
}

func (k *KV) Delete(key string) error {
	if err := k.ns.Delete(key); err != nil {
		return fmt.Errorf("failed to delete %s from KV: %w", key, err)
	}
	return nil
}
