package proof

import (
	"strings"
	"sync"
	"time"
)

const defaultRegistryCapacity = 100_000

type nonceEntry struct {
	key       string
	expiresAt time.Time
}

// NonceRegistry is the bounded recently-seen set used to detect proof
// replay. Registration is insert-if-absent under one lock, so two
// concurrent submissions of the same proof resolve to exactly one winner.
type NonceRegistry struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]time.Time
	order    []nonceEntry
}

// NewNonceRegistry creates a registry bounded to capacity entries.
// A non-positive capacity selects the default bound.
func NewNonceRegistry(capacity int) *NonceRegistry {
	if capacity <= 0 {
		capacity = defaultRegistryCapacity
	}
	return &NonceRegistry{
		capacity: capacity,
		entries:  make(map[string]time.Time),
	}
}

// Seen reports whether the identity/nonce pair is currently registered.
func (r *NonceRegistry) Seen(identityID, nonce string, now time.Time) bool {
	key := nonceKey(identityID, nonce)
	r.mu.Lock()
	defer r.mu.Unlock()
	expiresAt, ok := r.entries[key]
	return ok && now.Before(expiresAt)
}

// Register records the identity/nonce pair unless it is already present.
// Returns false when the pair was registered before and has not expired,
// which the caller must treat as a replay.
func (r *NonceRegistry) Register(identityID, nonce string, expiresAt, now time.Time) bool {
	key := nonceKey(identityID, nonce)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked(now)

	if existing, ok := r.entries[key]; ok && now.Before(existing) {
		return false
	}
	r.entries[key] = expiresAt
	r.order = append(r.order, nonceEntry{key: key, expiresAt: expiresAt})
	return true
}

// Len returns the number of tracked pairs, expired entries included until
// the next eviction pass.
func (r *NonceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// evictLocked drops expired entries from the front of the insertion order
// and enforces the capacity bound by evicting oldest-first.
func (r *NonceRegistry) evictLocked(now time.Time) {
	for len(r.order) > 0 && !now.Before(r.order[0].expiresAt) {
		evicted := r.order[0]
		r.order = r.order[1:]
		// Only delete if the map entry still belongs to this insertion;
		// a re-registered nonce has a newer expiry.
		if expiresAt, ok := r.entries[evicted.key]; ok && expiresAt.Equal(evicted.expiresAt) {
			delete(r.entries, evicted.key)
		}
	}
	for len(r.order) >= r.capacity {
		evicted := r.order[0]
		r.order = r.order[1:]
		if expiresAt, ok := r.entries[evicted.key]; ok && expiresAt.Equal(evicted.expiresAt) {
			delete(r.entries, evicted.key)
		}
	}
}

func nonceKey(identityID, nonce string) string {
	return strings.TrimSpace(identityID) + "\x00" + strings.TrimSpace(nonce)
}
