package webhook

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	DefaultDedupTTL      = 5 * time.Minute
	DefaultDedupCapacity = 4096
)

type dedupEntry struct {
	key     string
	expires time.Time
}

// DedupCache remembers recently seen deliveries for a fixed TTL. It holds at
// most capacity keys; when full the oldest key is evicted.
type DedupCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // oldest first
	index    map[string]*list.Element
	now      func() time.Time
}

// NewDedupCache returns an empty cache. Non-positive arguments select the
// defaults.
func NewDedupCache(ttl time.Duration, capacity int) *DedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &DedupCache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// DeliveryKey identifies a delivery by its signature and exact body.
func DeliveryKey(signature string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(signature))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Add records key and reports whether it was new. Checking and inserting
// happen under one lock, so concurrent duplicates admit exactly one caller.
func (c *DedupCache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)

	if _, ok := c.index[key]; ok {
		return false
	}

	for c.order.Len() >= c.capacity {
		c.removeElement(c.order.Front())
	}

	c.index[key] = c.order.PushBack(&dedupEntry{key: key, expires: now.Add(c.ttl)})
	return true
}

// Forget drops key so a later redelivery is processed again.
func (c *DedupCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of live keys.
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(c.now())
	return c.order.Len()
}

// expire drops keys whose TTL has passed. Entries share one TTL, so list
// order is also expiry order.
func (c *DedupCache) expire(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Before(el.Value.(*dedupEntry).expires) {
			return
		}
		c.removeElement(el)
	}
}

func (c *DedupCache) removeElement(el *list.Element) {
	delete(c.index, el.Value.(*dedupEntry).key)
	c.order.Remove(el)
}
