// Package cache holds the in-memory leaderboard snapshot served to readers.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/scorelinehq/scoreline/internal/services/scoreboard/storage"
)

// DefaultTTL bounds how stale a snapshot may be before readers refresh it.
const DefaultTTL = 60 * time.Second

// Snapshot is an immutable leaderboard view. Readers share one snapshot
// pointer; a refresh swaps the whole pointer rather than mutating entries.
type Snapshot struct {
	Entries    []storage.LeaderboardEntry
	Generation uint64
	TakenAt    time.Time
}

// Leaderboard caches the top-k leaderboard between storage reads.
type Leaderboard struct {
	ttl time.Duration

	mu         sync.Mutex
	generation uint64
	current    atomic.Pointer[Snapshot]
}

// New returns an empty leaderboard cache. A non-positive ttl falls back to
// DefaultTTL.
func New(ttl time.Duration) *Leaderboard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Leaderboard{ttl: ttl}
}

// Get returns the current snapshot and whether it is still fresh. A nil
// snapshot means the cache has never been populated or was invalidated.
func (l *Leaderboard) Get(now time.Time) (*Snapshot, bool) {
	snapshot := l.current.Load()
	if snapshot == nil {
		return nil, false
	}
	return snapshot, now.Sub(snapshot.TakenAt) < l.ttl
}

// NextGeneration reserves a generation number for a refresh that is about
// to read from storage. Populate rejects snapshots older than the one
// already installed, so a slow refresh cannot clobber a newer one.
func (l *Leaderboard) NextGeneration() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	return l.generation
}

// Populate installs a snapshot taken at the given generation. It returns
// false when a newer snapshot is already installed.
func (l *Leaderboard) Populate(generation uint64, entries []storage.LeaderboardEntry, takenAt time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current := l.current.Load(); current != nil && current.Generation >= generation {
		return false
	}
	l.current.Store(&Snapshot{
		Entries:    entries,
		Generation: generation,
		TakenAt:    takenAt,
	})
	return true
}

// Invalidate drops the current snapshot. The next Get misses and the next
// reader repopulates from storage.
func (l *Leaderboard) Invalidate() {
	l.current.Store(nil)
}
