package auth

import (
	"sync"
	"time"
)

// nonceCacheSoftCap is the size threshold above which expired entries are
// reclaimed in bulk. Reclamation is amortised: it only runs on insert when
// the cap is exceeded.
const nonceCacheSoftCap = 10_000

// NonceCache is a process-local, size-bounded map from nonce to first-seen
// time. It provides replay protection within the signature validity window.
//
// The cache is process-local: behind a load balancer without sticky routing,
// a replayed nonce routed to a different instance is not detected.
type NonceCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

// NewNonceCache creates a cache that considers nonces live for the given window
func NewNonceCache(window time.Duration) *NonceCache {
	return &NonceCache{
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Remember records the nonce at the given time. It returns false if the
// nonce was already observed within the validity window.
func (c *NonceCache) Remember(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if first, ok := c.seen[nonce]; ok && now.Sub(first) <= c.window {
		return false
	}
	c.seen[nonce] = now

	if len(c.seen) > nonceCacheSoftCap {
		c.reclaimLocked(now)
	}
	return true
}

// reclaimLocked deletes entries older than the validity window. Caller holds mu.
func (c *NonceCache) reclaimLocked(now time.Time) {
	for nonce, first := range c.seen {
		if now.Sub(first) > c.window {
			delete(c.seen, nonce)
		}
	}
}

// Size returns the current entry count
func (c *NonceCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
