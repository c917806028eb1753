package gateway

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// responseCache holds successful GET responses. ristretto bounds it by
// cost and expires entries by TTL; the index remembers which keys belong
// to which path so a resource can be invalidated as a whole.
type responseCache struct {
	entries *ristretto.Cache[string, *Response]
	ttl     time.Duration

	mu    sync.Mutex
	index map[string]string // key -> path
}

func newResponseCache(maxBytes int64, ttl time.Duration) (*responseCache, error) {
	entries, err := ristretto.NewCache(&ristretto.Config[string, *Response]{
		NumCounters:        1e4,
		MaxCost:            maxBytes,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize response cache: %w", err)
	}
	return &responseCache{entries: entries, ttl: ttl, index: make(map[string]string)}, nil
}

func (c *responseCache) get(key string) (*Response, bool) {
	resp, ok := c.entries.Get(key)
	if !ok {
		c.mu.Lock()
		delete(c.index, key)
		c.mu.Unlock()
		return nil, false
	}
	return resp.clone(), true
}

func (c *responseCache) set(key, path string, resp *Response) {
	cost := int64(len(resp.Body) + len(key))
	if !c.entries.SetWithTTL(key, resp.clone(), cost, c.ttl) {
		return
	}
	c.entries.Wait()
	c.mu.Lock()
	c.index[key] = path
	c.mu.Unlock()
}

// invalidate drops every entry whose path is prefix or lies below it.
func (c *responseCache) invalidate(prefix string) int {
	c.mu.Lock()
	var keys []string
	for key, path := range c.index {
		if underPath(path, prefix) {
			keys = append(keys, key)
			delete(c.index, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.entries.Del(key)
	}
	return len(keys)
}

func (c *responseCache) clear() {
	c.mu.Lock()
	c.index = make(map[string]string)
	c.mu.Unlock()
	c.entries.Clear()
}

func (c *responseCache) close() {
	c.entries.Close()
}

func underPath(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return strings.ContainsRune("/?", rune(path[len(prefix)]))
}

// resourceRoot returns the first path segment of endpoint, e.g. "/cart"
// for "/cart/7/add".
func resourceRoot(endpoint string) string {
	p := strings.TrimPrefix(endpoint, "/")
	if i := strings.IndexAny(p, "/?"); i >= 0 {
		p = p[:i]
	}
	return "/" + p
}
