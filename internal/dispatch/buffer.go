package dispatch

import (
	"sync"
	"time"
)

// DefaultBufferTTL is how long an enqueue key is remembered.
const DefaultBufferTTL = 5 * time.Minute

// EnqueueBuffer is a process-local, short-TTL set of dedupe keys used to
// short-circuit rapid duplicate enqueue attempts (webhook retry storms)
// before they reach the database. It is lost on restart and must never
// be relied on to prevent duplicate sends; that guarantee comes from the
// rules engine's history dedupe check.
type EnqueueBuffer struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration

	now func() time.Time
}

// NewEnqueueBuffer creates a buffer with the given TTL; a zero TTL uses
// DefaultBufferTTL.
func NewEnqueueBuffer(ttl time.Duration) *EnqueueBuffer {
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	return &EnqueueBuffer{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Enqueue records the key and returns true if it should be processed.
// Returns false when an unexpired entry already exists.
func (b *EnqueueBuffer) Enqueue(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if expiry, ok := b.entries[key]; ok && expiry.After(now) {
		return false
	}

	b.prune(now)
	b.entries[key] = now.Add(b.ttl)
	return true
}

// prune drops expired entries. Called under the lock on the insert path
// so the map cannot grow without bound between restarts.
func (b *EnqueueBuffer) prune(now time.Time) {
	for key, expiry := range b.entries {
		if !expiry.After(now) {
			delete(b.entries, key)
		}
	}
}

// Len reports the number of tracked keys, expired entries included.
func (b *EnqueueBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
