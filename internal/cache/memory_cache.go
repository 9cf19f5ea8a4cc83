package cache

import (
	"context"
	"sync"
	"time"
)

// MemorySentCache is a lazy-expiry map used when Redis is not configured.
// Expired entries are dropped on read and swept opportunistically on write,
// so no background timer is needed.
type MemorySentCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // key -> expiry deadline
	now     func() time.Time
}

func NewMemorySentCache(ttl time.Duration) *MemorySentCache {
	return &MemorySentCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (c *MemorySentCache) MarkSent(_ context.Context, sessionID, externalID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, deadline := range c.entries {
		if now.After(deadline) {
			delete(c.entries, k)
		}
	}

	c.entries[sentKey(sessionID, externalID)] = now.Add(c.ttl)
	return nil
}

func (c *MemorySentCache) WasSentViaAPI(_ context.Context, sessionID, externalID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := sentKey(sessionID, externalID)
	deadline, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if c.now().After(deadline) {
		delete(c.entries, key)
		return false, nil
	}
	return true, nil
}
