package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"
)

// Encrypted seals values with AES-256-GCM before handing them to the
// wrapped backend. Keys are stored in the clear.
type Encrypted struct {
	inner Storage
	gcm   cipher.AEAD
}

// NewEncrypted derives a 32-byte key from passphrase with SHA-256.
func NewEncrypted(inner Storage, passphrase string) (*Encrypted, error) {
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encrypted{inner: inner, gcm: gcm}, nil
}

func (e *Encrypted) Get(key string) (string, bool, error) {
	sealed, ok, err := e.inner.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}
	plain, err := e.open(key, sealed)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	return string(plain), true, nil
}

func (e *Encrypted) Set(key, value string) error {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.gcm.Seal(nonce, nonce, []byte(value), []byte(key))
	return e.inner.Set(key, base64.StdEncoding.EncodeToString(sealed))
}

func (e *Encrypted) Delete(key string) error {
	return e.inner.Delete(key)
}

// Watch forwards to the wrapped backend, decrypting reported values.
// Values that fail to decrypt are reported as removed.
func (e *Encrypted) Watch(ctx context.Context, interval time.Duration, fn ChangeFunc) error {
	w, ok := e.inner.(Watcher)
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	return w.Watch(ctx, interval, func(key, value string) {
		if value == "" {
			fn(key, "")
			return
		}
		plain, err := e.open(key, value)
		if err != nil {
			fn(key, "")
			return
		}
		fn(key, string(plain))
	})
}

// Close closes the wrapped backend when it holds resources.
func (e *Encrypted) Close() error {
	if c, ok := e.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (e *Encrypted) open(key, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	nonceSize := e.gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return e.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], []byte(key))
}
