package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File stores all keys in one JSON object on disk. Values written by other
// processes are visible to the next Get and are reported by Watch.
type File struct {
	Path string

	mu    sync.Mutex
	known map[string]string
}

// NewFile opens (or lazily creates) the session file at path.
func NewFile(path string) (*File, error) {
	f := &File{Path: path}
	values, err := f.read()
	if err != nil {
		return nil, err
	}
	f.known = values
	return f, nil
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return err
	}
	values[key] = value
	if err := f.write(values); err != nil {
		return err
	}
	f.known[key] = value
	return nil
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return err
	}
	delete(f.known, key)
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return f.write(values)
}

// Watch polls the file every interval until ctx is done and calls fn for
// every key whose value differs from what this process last wrote or saw.
func (f *File) Watch(ctx context.Context, interval time.Duration, fn ChangeFunc) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, c := range f.poll() {
				fn(c.key, c.value)
			}
		}
	}
}

type change struct {
	key   string
	value string
}

func (f *File) poll() []change {
	f.mu.Lock()
	defer f.mu.Unlock()
	values, err := f.read()
	if err != nil {
		return nil
	}
	var changes []change
	for k, v := range values {
		if old, ok := f.known[k]; !ok || old != v {
			changes = append(changes, change{key: k, value: v})
		}
	}
	for k := range f.known {
		if _, ok := values[k]; !ok {
			changes = append(changes, change{key: k})
		}
	}
	f.known = values
	return changes
}

func (f *File) read() (map[string]string, error) {
	values := make(map[string]string)
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if len(b) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(b, &values); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return values, nil
}

func (f *File) write(values map[string]string) error {
	if err := EnsureParentDir(f.Path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session file: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// EnsureParentDir creates the directory holding path with 0700 permissions.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
