//go:build !js || !wasm

package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLite(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "db", "session.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStorage(t, s)
}
