package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/scorelinehq/scoreline/internal/services/scoreboard/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "scoreboard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func seedIdentity(t *testing.T, store *Store, identityID string, score int64) {
	t.Helper()

	now := time.Date(2026, time.August, 12, 9, 30, 0, 0, time.UTC)
	err := store.CreateIdentity(context.Background(), storage.Identity{
		ID:          identityID,
		DisplayName: "player-" + identityID,
		Score:       score,
		Permissions: []string{"score:submit"},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("seed identity %s: %v", identityID, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(""); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestCreateGetIdentityRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	now := time.Date(2026, time.August, 12, 10, 0, 0, 0, time.UTC)
	input := storage.Identity{
		ID:          "id-1",
		DisplayName: "Arden",
		Score:       120,
		Permissions: []string{"score:submit", "score:read"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateIdentity(context.Background(), input); err != nil {
		t.Fatalf("create identity: %v", err)
	}

	got, err := store.GetIdentity(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if got.DisplayName != input.DisplayName {
		t.Fatalf("display_name = %q, want %q", got.DisplayName, input.DisplayName)
	}
	if got.Score != input.Score {
		t.Fatalf("score = %d, want %d", got.Score, input.Score)
	}
	if len(got.Permissions) != 2 || got.Permissions[0] != "score:submit" {
		t.Fatalf("permissions = %v, want %v", got.Permissions, input.Permissions)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestGetIdentityReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, err := store.GetIdentity(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing identity error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestApplyIncrementUpdatesScoreAndRecordsChange(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-1", 100)
	recordedAt := time.Date(2026, time.August, 12, 11, 0, 0, 0, time.UTC)

	newScore, err := store.ApplyIncrement(context.Background(), "id-1", 25, storage.ScoreChange{
		ID:         "chg-1",
		ActionType: "puzzle_complete",
		Nonce:      "nonce-1",
		Payload:    []byte(`{"puzzle":"p7"}`),
		RecordedAt: recordedAt,
	})
	if err != nil {
		t.Fatalf("apply increment: %v", err)
	}
	if newScore != 125 {
		t.Fatalf("new score = %d, want 125", newScore)
	}

	page, err := store.ListScoreChanges(context.Background(), "id-1", 10, "")
	if err != nil {
		t.Fatalf("list score changes: %v", err)
	}
	if len(page.Changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(page.Changes))
	}
	change := page.Changes[0]
	if change.ActionType != "puzzle_complete" {
		t.Fatalf("action_type = %q, want %q", change.ActionType, "puzzle_complete")
	}
	if change.Points != 25 {
		t.Fatalf("points = %d, want 25", change.Points)
	}
	if !change.RecordedAt.Equal(recordedAt) {
		t.Fatalf("recorded_at = %v, want %v", change.RecordedAt, recordedAt)
	}
}

func TestApplyIncrementUnknownIdentityReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	_, err := store.ApplyIncrement(context.Background(), "missing", 10, storage.ScoreChange{
		ID:         "chg-1",
		ActionType: "daily_bonus",
		Nonce:      "nonce-1",
		RecordedAt: time.Now().UTC(),
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("apply increment error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestApplyIncrementDuplicateNonceReturnsDuplicate(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-1", 0)
	recordedAt := time.Date(2026, time.August, 12, 11, 30, 0, 0, time.UTC)

	if _, err := store.ApplyIncrement(context.Background(), "id-1", 10, storage.ScoreChange{
		ID:         "chg-1",
		ActionType: "daily_bonus",
		Nonce:      "nonce-dup",
		RecordedAt: recordedAt,
	}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	_, err := store.ApplyIncrement(context.Background(), "id-1", 10, storage.ScoreChange{
		ID:         "chg-2",
		ActionType: "daily_bonus",
		Nonce:      "nonce-dup",
		RecordedAt: recordedAt.Add(time.Second),
	})
	if !errors.Is(err, storage.ErrDuplicateNonce) {
		t.Fatalf("duplicate nonce error = %v, want %v", err, storage.ErrDuplicateNonce)
	}

	identity, err := store.GetIdentity(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if identity.Score != 10 {
		t.Fatalf("score after rejected duplicate = %d, want 10", identity.Score)
	}
}

func TestApplyIncrementDuplicateChangeIDIsNotReplay(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-1", 0)
	recordedAt := time.Date(2026, time.August, 12, 11, 45, 0, 0, time.UTC)

	if _, err := store.ApplyIncrement(context.Background(), "id-1", 10, storage.ScoreChange{
		ID:         "chg-1",
		ActionType: "daily_bonus",
		Nonce:      "nonce-a",
		RecordedAt: recordedAt,
	}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	// A colliding change id with a fresh nonce is a write failure, not a
	// replayed proof.
	_, err := store.ApplyIncrement(context.Background(), "id-1", 10, storage.ScoreChange{
		ID:         "chg-1",
		ActionType: "daily_bonus",
		Nonce:      "nonce-b",
		RecordedAt: recordedAt.Add(time.Second),
	})
	if err == nil {
		t.Fatal("expected error for duplicate change id")
	}
	if errors.Is(err, storage.ErrDuplicateNonce) {
		t.Fatalf("duplicate change id reported as replayed nonce: %v", err)
	}
}

func TestApplyIncrementSameNonceDifferentIdentities(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-1", 0)
	seedIdentity(t, store, "id-2", 0)
	recordedAt := time.Date(2026, time.August, 12, 12, 0, 0, 0, time.UTC)

	for i, identityID := range []string{"id-1", "id-2"} {
		_, err := store.ApplyIncrement(context.Background(), identityID, 5, storage.ScoreChange{
			ID:         fmt.Sprintf("chg-%d", i),
			ActionType: "daily_bonus",
			Nonce:      "shared-nonce",
			RecordedAt: recordedAt,
		})
		if err != nil {
			t.Fatalf("apply for %s: %v", identityID, err)
		}
	}
}

func TestApplyIncrementConcurrentWritersLoseNoPoints(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-1", 0)

	const writers = 16
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				_, err := store.ApplyIncrement(context.Background(), "id-1", 1, storage.ScoreChange{
					ID:         fmt.Sprintf("chg-%d", worker),
					ActionType: "streak_bonus",
					Nonce:      fmt.Sprintf("nonce-%d", worker),
					RecordedAt: time.Now().UTC(),
				})
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				errs[worker] = err
				return
			}
		}(i)
	}
	wg.Wait()

	for worker, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", worker, err)
		}
	}
	identity, err := store.GetIdentity(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if identity.Score != writers {
		t.Fatalf("score = %d, want %d", identity.Score, writers)
	}
}

func TestGetTopKOrdersByScoreThenID(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-a", 50)
	seedIdentity(t, store, "id-b", 90)
	seedIdentity(t, store, "id-c", 50)
	seedIdentity(t, store, "id-d", 10)

	entries, err := store.GetTopK(context.Background(), 3)
	if err != nil {
		t.Fatalf("get top k: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	wantOrder := []string{"id-b", "id-a", "id-c"}
	for i, want := range wantOrder {
		if entries[i].IdentityID != want {
			t.Fatalf("entry %d = %q, want %q", i, entries[i].IdentityID, want)
		}
	}
}

func TestGetRankBreaksTiesByID(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-a", 50)
	seedIdentity(t, store, "id-b", 90)
	seedIdentity(t, store, "id-c", 50)

	score, rank, err := store.GetRank(context.Background(), "id-c")
	if err != nil {
		t.Fatalf("get rank: %v", err)
	}
	if score != 50 {
		t.Fatalf("score = %d, want 50", score)
	}
	if rank != 3 {
		t.Fatalf("rank = %d, want 3", rank)
	}

	_, rank, err = store.GetRank(context.Background(), "id-b")
	if err != nil {
		t.Fatalf("get rank: %v", err)
	}
	if rank != 1 {
		t.Fatalf("rank = %d, want 1", rank)
	}
}

func TestGetRankUnknownIdentityReturnsNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	if _, _, err := store.GetRank(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get rank error = %v, want %v", err, storage.ErrNotFound)
	}
}

func TestListScoreChangesPaginatesMostRecentFirst(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-1", 0)
	base := time.Date(2026, time.August, 12, 13, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := store.ApplyIncrement(context.Background(), "id-1", 1, storage.ScoreChange{
			ID:         fmt.Sprintf("chg-%d", i),
			ActionType: "streak_bonus",
			Nonce:      fmt.Sprintf("nonce-%d", i),
			RecordedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	first, err := store.ListScoreChanges(context.Background(), "id-1", 2, "")
	if err != nil {
		t.Fatalf("list first page: %v", err)
	}
	if len(first.Changes) != 2 {
		t.Fatalf("first page size = %d, want 2", len(first.Changes))
	}
	if first.Changes[0].ID != "chg-4" || first.Changes[1].ID != "chg-3" {
		t.Fatalf("first page = %q, %q, want chg-4, chg-3", first.Changes[0].ID, first.Changes[1].ID)
	}
	if first.NextPageToken == "" {
		t.Fatal("expected next page token")
	}

	second, err := store.ListScoreChanges(context.Background(), "id-1", 2, first.NextPageToken)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if second.Changes[0].ID != "chg-2" || second.Changes[1].ID != "chg-1" {
		t.Fatalf("second page = %q, %q, want chg-2, chg-1", second.Changes[0].ID, second.Changes[1].ID)
	}

	third, err := store.ListScoreChanges(context.Background(), "id-1", 2, second.NextPageToken)
	if err != nil {
		t.Fatalf("list third page: %v", err)
	}
	if len(third.Changes) != 1 || third.Changes[0].ID != "chg-0" {
		t.Fatalf("third page = %v, want single chg-0", third.Changes)
	}
	if third.NextPageToken != "" {
		t.Fatalf("final page token = %q, want empty", third.NextPageToken)
	}
}

func TestListScoreChangesRejectsMalformedToken(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedIdentity(t, store, "id-1", 0)
	if _, err := store.ListScoreChanges(context.Background(), "id-1", 2, "not-a-token"); err == nil {
		t.Fatal("expected malformed token error")
	}
}
