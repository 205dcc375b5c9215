// Package coordinator drives a score submission end to end: rate limit,
// proof checks, durable apply, cache refresh, and broadcast.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/scorelinehq/scoreline/internal/platform/errors"
	"github.com/scorelinehq/scoreline/internal/platform/id"
	"github.com/scorelinehq/scoreline/internal/platform/timeouts"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/cache"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/domain"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/hub"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/ratelimit"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/storage"
)

// Rate limit layer names.
const (
	LayerIdentity       = "identity"
	LayerIdentityAction = "identity_action"
	LayerIP             = "ip"
)

const (
	// DefaultTopK is the leaderboard size served and broadcast.
	DefaultTopK = 10

	applyAttempts = 3

	refreshAttempts    = 3
	refreshBackoffBase = 100 * time.Millisecond
	refreshBackoffMax  = 2 * time.Second
)

// ProofVerifier accepts or rejects one proof for one identity.
type ProofVerifier interface {
	Verify(identityID string, p domain.ActionProof, now time.Time) error
}

// Submission is one authenticated score submission.
type Submission struct {
	IdentityID string
	Proof      domain.ActionProof
	ClientIP   string
}

// Result reports an accepted submission back to the client.
type Result struct {
	NewScore    int64
	NewRank     int64
	PointsAdded int64
}

// Config holds coordinator construction inputs.
type Config struct {
	Verifier   ProofVerifier
	Limiter    *ratelimit.Limiter
	Identities storage.IdentityStore
	Scores     storage.ScoreStore
	Board      *cache.Leaderboard
	Broadcast  *hub.Hub
	TopK       int
	Clock      func() time.Time
}

// Coordinator owns the submission pipeline and the leaderboard read path.
type Coordinator struct {
	verifier   ProofVerifier
	limiter    *ratelimit.Limiter
	identities storage.IdentityStore
	scores     storage.ScoreStore
	board      *cache.Leaderboard
	broadcast  *hub.Hub
	topK       int
	clock      func() time.Time
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("proof verifier is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Identities == nil || cfg.Scores == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Board == nil {
		return nil, fmt.Errorf("leaderboard cache is required")
	}
	if cfg.Broadcast == nil {
		return nil, fmt.Errorf("broadcast hub is required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Coordinator{
		verifier:   cfg.Verifier,
		limiter:    cfg.Limiter,
		identities: cfg.Identities,
		scores:     cfg.Scores,
		board:      cfg.Board,
		broadcast:  cfg.Broadcast,
		topK:       cfg.TopK,
		clock:      cfg.Clock,
	}, nil
}

// Submit runs one submission through the pipeline. On acceptance the score
// change is durable before the result is returned; the cache refresh and
// broadcast happen asynchronously.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	now := c.clock().UTC()

	// Cheap rejection first: no bucket is charged unless every layer grants.
	ok, retryAfter := c.limiter.Allow(now,
		ratelimit.Key{Layer: LayerIdentity, Subject: sub.IdentityID},
		ratelimit.Key{Layer: LayerIdentityAction, Subject: sub.IdentityID + ":" + sub.Proof.ActionType},
		ratelimit.Key{Layer: LayerIP, Subject: sub.ClientIP},
	)
	if !ok {
		seconds := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			seconds++
		}
		return Result{}, apperrors.WithMetadata(
			apperrors.CodeRateLimited,
			"submission rate limit exceeded",
			map[string]string{"RetryAfterSeconds": fmt.Sprintf("%d", seconds)},
		)
	}

	if err := c.verifyProof(ctx, sub, now); err != nil {
		return Result{}, err
	}

	newScore, err := c.applyWithRetry(ctx, sub, now)
	if err != nil {
		return Result{}, err
	}

	// Readers must not see the pre-update leaderboard once the submitter
	// has been told the new score.
	c.board.Invalidate()
	go c.refreshAndBroadcast(sub.IdentityID, newScore)

	_, rank, err := c.scores.GetRank(ctx, sub.IdentityID)
	if err != nil {
		return Result{}, mapStorageError(err)
	}
	return Result{
		NewScore:    newScore,
		NewRank:     rank,
		PointsAdded: sub.Proof.ExpectedPoints,
	}, nil
}

// verifyProof bounds proof validation and fails closed on timeout.
func (c *Coordinator) verifyProof(ctx context.Context, sub Submission, now time.Time) error {
	verifyCtx, cancel := context.WithTimeout(ctx, timeouts.Validation)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.verifier.Verify(sub.IdentityID, sub.Proof, now)
	}()

	select {
	case err := <-done:
		return err
	case <-verifyCtx.Done():
		return apperrors.Wrap(
			apperrors.CodeValidationTimeout,
			"proof validation did not complete in time",
			verifyCtx.Err(),
		)
	}
}

func (c *Coordinator) applyWithRetry(ctx context.Context, sub Submission, now time.Time) (int64, error) {
	changeID, err := id.NewID()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUnknown, "generate score change id", err)
	}
	change := storage.ScoreChange{
		ID:         changeID,
		IdentityID: sub.IdentityID,
		ActionType: sub.Proof.ActionType,
		Points:     sub.Proof.ExpectedPoints,
		Nonce:      sub.Proof.Nonce,
		Payload:    sub.Proof.Payload,
		RecordedAt: now,
	}

	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		applyCtx, cancel := context.WithTimeout(ctx, timeouts.StoreApply)
		newScore, err := c.scores.ApplyIncrement(applyCtx, sub.IdentityID, sub.Proof.ExpectedPoints, change)
		cancel()
		if err == nil {
			return newScore, nil
		}
		// A per-attempt deadline with a live parent context is treated as
		// a lost race against concurrent writers and retried like one.
		timedOut := errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
		if !errors.Is(err, storage.ErrConflict) && !timedOut {
			return 0, mapStorageError(err)
		}
		lastErr = err
	}
	return 0, apperrors.Wrap(
		apperrors.CodeConcurrentConflict,
		"score update lost every retry to concurrent writers",
		lastErr,
	)
}

// refreshAndBroadcast repopulates the leaderboard cache and publishes the
// change. Failures here never affect the already-returned submission; each
// attempt backs off and the last failure is logged and dropped.
func (c *Coordinator) refreshAndBroadcast(identityID string, newScore int64) {
	generation := c.board.NextGeneration()

	var entries []storage.LeaderboardEntry
	var err error
	backoff := refreshBackoffBase
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > refreshBackoffMax {
				backoff = refreshBackoffMax
			}
		}
		refreshCtx, cancel := context.WithTimeout(context.Background(), timeouts.StoreApply)
		entries, err = c.scores.GetTopK(refreshCtx, c.topK)
		cancel()
		if err == nil {
			break
		}
	}
	if err != nil {
		log.Printf("leaderboard refresh failed after %d attempts: %v", refreshAttempts, err)
		return
	}

	takenAt := c.clock().UTC()
	c.board.Populate(generation, entries, takenAt)

	updated := hub.UpdatedIdentity{ID: identityID, Score: newScore}
	lookupCtx, cancel := context.WithTimeout(context.Background(), timeouts.StoreApply)
	if identity, err := c.identities.GetIdentity(lookupCtx, identityID); err == nil {
		updated.Username = identity.DisplayName
	}
	cancel()

	topK := make([]hub.Entry, 0, len(entries))
	for _, entry := range entries {
		topK = append(topK, hub.Entry{
			ID:       entry.IdentityID,
			Username: entry.DisplayName,
			Score:    entry.Score,
		})
	}
	c.broadcast.Publish(hub.Event{
		Type:    hub.EventTypeScoreUpdate,
		TopK:    topK,
		Updated: updated,
	})
}

// Leaderboard serves the top-k board, reading through the cache. A stale
// or missing snapshot triggers a storage read that repopulates the cache.
func (c *Coordinator) Leaderboard(ctx context.Context) ([]storage.LeaderboardEntry, error) {
	now := c.clock().UTC()
	if snapshot, fresh := c.board.Get(now); fresh {
		return snapshot.Entries, nil
	}

	generation := c.board.NextGeneration()
	entries, err := c.scores.GetTopK(ctx, c.topK)
	if err != nil {
		// Serve the stale snapshot rather than an error when storage is
		// briefly unavailable.
		if snapshot, _ := c.board.Get(now); snapshot != nil {
			return snapshot.Entries, nil
		}
		return nil, mapStorageError(err)
	}
	c.board.Populate(generation, entries, now)
	return entries, nil
}

// History returns one page of an identity's score change history.
func (c *Coordinator) History(ctx context.Context, identityID string, pageSize int, pageToken string) (storage.ScoreChangePage, error) {
	page, err := c.scores.ListScoreChanges(ctx, identityID, pageSize, pageToken)
	if err != nil {
		return storage.ScoreChangePage{}, mapStorageError(err)
	}
	return page, nil
}

func mapStorageError(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeIdentityNotFound, "identity is not registered", err)
	case errors.Is(err, storage.ErrDuplicateNonce):
		return apperrors.Wrap(apperrors.CodeReplayedProof, "proof nonce was already recorded", err)
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Wrap(apperrors.CodeConcurrentConflict, "score update conflicted with a concurrent writer", err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeDownstreamUnavailable, "storage did not respond in time", err)
	default:
		return apperrors.Wrap(apperrors.CodeDownstreamUnavailable, "storage operation failed", err)
	}
}
