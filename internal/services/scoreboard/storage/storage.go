// Package storage defines persistence contracts for scoreboard state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested identity record is missing.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates an optimistic-concurrency failure; the caller may
// retry the whole operation with a refreshed read.
var ErrConflict = errors.New("concurrent update conflict")

// ErrDuplicateNonce indicates the identity already recorded a score change
// with this proof nonce. It is the durable backstop behind the in-memory
// replay registry.
var ErrDuplicateNonce = errors.New("duplicate proof nonce")

// Identity stores one scoreboard participant. The current score is mutated
// only through ApplyIncrement.
type Identity struct {
	ID          string
	DisplayName string
	Score       int64
	Permissions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ScoreChange stores one accepted score increment. Append-only.
type ScoreChange struct {
	ID         string
	IdentityID string
	ActionType string
	Points     int64
	Nonce      string
	Payload    []byte
	RecordedAt time.Time
}

// ScoreChangePage stores one page of score changes.
type ScoreChangePage struct {
	Changes       []ScoreChange
	NextPageToken string
}

// LeaderboardEntry is one row of a top-K query.
type LeaderboardEntry struct {
	IdentityID  string
	DisplayName string
	Score       int64
}

// IdentityStore persists identity records.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity Identity) error
	GetIdentity(ctx context.Context, identityID string) (Identity, error)
}

// ScoreStore applies score increments and answers leaderboard queries.
type ScoreStore interface {
	// ApplyIncrement adds delta to the identity's score and appends the
	// change record in one transaction. A lost optimistic-concurrency
	// race returns ErrConflict without side effects; the caller owns the
	// bounded retry.
	ApplyIncrement(ctx context.Context, identityID string, delta int64, change ScoreChange) (int64, error)

	// GetTopK returns the k highest scores, descending, ties broken by
	// identity id ascending.
	GetTopK(ctx context.Context, k int) ([]LeaderboardEntry, error)

	// GetRank returns the identity's score and 1-based rank under the
	// same ordering GetTopK uses.
	GetRank(ctx context.Context, identityID string) (int64, int64, error)

	// ListScoreChanges returns one page of an identity's change history,
	// most recent first.
	ListScoreChanges(ctx context.Context, identityID string, pageSize int, pageToken string) (ScoreChangePage, error)
}
