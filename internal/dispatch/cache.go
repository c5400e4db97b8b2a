package dispatch

import (
	"sync"
	"time"
)

type cachedAck struct {
	ack     Ack
	expires time.Time
}

// ackCache remembers acknowledgments by idempotency key for a fixed TTL.
type ackCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cachedAck
}

func newAckCache(ttl time.Duration, now func() time.Time) *ackCache {
	return &ackCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cachedAck),
	}
}

func (c *ackCache) get(key string) (Ack, bool) {
	if c.ttl <= 0 || key == "" {
		return Ack{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Ack{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return Ack{}, false
	}
	return e.ack, true
}

func (c *ackCache) put(key string, ack Ack) {
	if c.ttl <= 0 || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cachedAck{ack: ack, expires: now.Add(c.ttl)}
}

func (c *ackCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
