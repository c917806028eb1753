//go:build !js || !wasm

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKVUnavailableOutsideWorkers(t *testing.T) {
	_, err := NewKV("storefront_session")
	assert.ErrorIs(t, err, ErrKVUnsupported)
}
