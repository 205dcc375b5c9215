package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scorelinehq/scoreline/internal/services/scoreboard/storage"
)

func TestGetMissesWhenNeverPopulated(t *testing.T) {
	t.Parallel()

	board := New(time.Minute)
	snapshot, fresh := board.Get(time.Now())
	if snapshot != nil {
		t.Fatalf("snapshot = %+v, want nil", snapshot)
	}
	if fresh {
		t.Fatal("empty cache reported fresh")
	}
}

func TestPopulateThenGetReturnsFreshSnapshot(t *testing.T) {
	t.Parallel()

	board := New(time.Minute)
	takenAt := time.Date(2026, time.August, 12, 9, 0, 0, 0, time.UTC)
	entries := []storage.LeaderboardEntry{{IdentityID: "id-1", DisplayName: "Arden", Score: 90}}

	generation := board.NextGeneration()
	if !board.Populate(generation, entries, takenAt) {
		t.Fatal("populate rejected first snapshot")
	}

	snapshot, fresh := board.Get(takenAt.Add(30 * time.Second))
	if snapshot == nil {
		t.Fatal("expected snapshot")
	}
	if !fresh {
		t.Fatal("snapshot inside ttl reported stale")
	}
	if len(snapshot.Entries) != 1 || snapshot.Entries[0].IdentityID != "id-1" {
		t.Fatalf("entries = %v, want id-1", snapshot.Entries)
	}
}

func TestGetReportsStaleAfterTTL(t *testing.T) {
	t.Parallel()

	board := New(time.Minute)
	takenAt := time.Date(2026, time.August, 12, 9, 0, 0, 0, time.UTC)
	board.Populate(board.NextGeneration(), nil, takenAt)

	snapshot, fresh := board.Get(takenAt.Add(time.Minute))
	if snapshot == nil {
		t.Fatal("stale snapshot should still be returned")
	}
	if fresh {
		t.Fatal("snapshot past ttl reported fresh")
	}
}

func TestPopulateRejectsOlderGeneration(t *testing.T) {
	t.Parallel()

	board := New(time.Minute)
	takenAt := time.Date(2026, time.August, 12, 9, 0, 0, 0, time.UTC)
	older := board.NextGeneration()
	newer := board.NextGeneration()

	if !board.Populate(newer, []storage.LeaderboardEntry{{IdentityID: "id-new"}}, takenAt) {
		t.Fatal("populate rejected newer snapshot")
	}
	if board.Populate(older, []storage.LeaderboardEntry{{IdentityID: "id-old"}}, takenAt) {
		t.Fatal("populate accepted stale generation")
	}

	snapshot, _ := board.Get(takenAt)
	if snapshot.Entries[0].IdentityID != "id-new" {
		t.Fatalf("installed snapshot = %q, want id-new", snapshot.Entries[0].IdentityID)
	}
}

func TestInvalidateDropsSnapshot(t *testing.T) {
	t.Parallel()

	board := New(time.Minute)
	board.Populate(board.NextGeneration(), nil, time.Now())
	board.Invalidate()

	if snapshot, _ := board.Get(time.Now()); snapshot != nil {
		t.Fatalf("snapshot after invalidate = %+v, want nil", snapshot)
	}
}

func TestConcurrentPopulateKeepsHighestGeneration(t *testing.T) {
	t.Parallel()

	board := New(time.Minute)
	takenAt := time.Now()

	const refreshers = 16
	generations := make([]uint64, refreshers)
	for i := range generations {
		generations[i] = board.NextGeneration()
	}

	var wg sync.WaitGroup
	for i := 0; i < refreshers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			entries := []storage.LeaderboardEntry{{IdentityID: fmt.Sprintf("id-%d", generations[slot])}}
			board.Populate(generations[slot], entries, takenAt)
		}(i)
	}
	wg.Wait()

	snapshot, _ := board.Get(takenAt)
	if snapshot == nil {
		t.Fatal("expected snapshot")
	}
	if snapshot.Generation != generations[refreshers-1] {
		t.Fatalf("generation = %d, want %d", snapshot.Generation, generations[refreshers-1])
	}
}
