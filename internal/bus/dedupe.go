package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers keys for a TTL. The HTTP ingest endpoint uses it to
// drop capture retries that resend the same snapshot (same fingerprint and
// timestamp) within the window.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]dedupeEntry
	ttl     time.Duration
	maxSize int
}

type dedupeEntry struct {
	at    int64 // unix millis
	value int64
}

// NewDedupeCache creates a cache. maxSize <= 0 means unbounded.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		entries: make(map[string]dedupeEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Lookup returns the value stored for key if it is still live.
func (d *DedupeCache) Lookup(key string) (int64, bool) {
	cutoff := time.Now().UnixMilli() - d.ttl.Milliseconds()

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok && e.at >= cutoff {
		return e.value, true
	}
	return 0, false
}

// Remember stores value under key, pruning expired entries first.
func (d *DedupeCache) Remember(key string, value int64) {
	now := time.Now().UnixMilli()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanup(now - d.ttl.Milliseconds())
	d.entries[key] = dedupeEntry{at: now, value: value}
}

// Forget drops key.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
}

// cleanup removes expired entries and evicts arbitrary ones while over
// maxSize. Must be called with d.mu held.
func (d *DedupeCache) cleanup(cutoff int64) {
	for k, e := range d.entries {
		if e.at < cutoff {
			delete(d.entries, k)
		}
	}
	if d.maxSize > 0 && len(d.entries) >= d.maxSize {
		excess := len(d.entries) - d.maxSize + 1
		for k := range d.entries {
			if excess <= 0 {
				break
			}
			delete(d.entries, k)
			excess--
		}
	}
}
