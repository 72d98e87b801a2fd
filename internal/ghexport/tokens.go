package ghexport

import (
	"sync"
	"time"
)

// DefaultTokenTTL bounds how long a token stays usable from cache.
const DefaultTokenTTL = time.Hour

type tokenEntry struct {
	token   string
	expires time.Time
}

// TokenCache keeps GitHub tokens in memory, keyed by repository URL,
// with a TTL. Tokens are never written to disk.
type TokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]tokenEntry

	// now is swapped in tests.
	now func() time.Time
}

// NewTokenCache creates a cache with the given TTL (DefaultTokenTTL
// when zero).
func NewTokenCache(ttl time.Duration) *TokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenCache{
		ttl:     ttl,
		entries: make(map[string]tokenEntry),
		now:     time.Now,
	}
}

// Resolve returns the token to use for a repository: a freshly
// provided token refreshes the cache; otherwise an unexpired cached
// token is served. Returns "" when neither exists.
func (c *TokenCache) Resolve(repoURL, provided string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if provided != "" {
		c.entries[repoURL] = tokenEntry{token: provided, expires: c.now().Add(c.ttl)}
		return provided
	}
	entry, ok := c.entries[repoURL]
	if !ok || c.now().After(entry.expires) {
		delete(c.entries, repoURL)
		return ""
	}
	return entry.token
}
