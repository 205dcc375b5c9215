// Package sqlite provides a SQLite-backed scoreboard storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sqlitemigrate "github.com/scorelinehq/scoreline/internal/platform/storage/sqlitemigrate"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/storage"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists scoreboard state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite scoreboard store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateIdentity inserts one identity record.
func (s *Store) CreateIdentity(ctx context.Context, identity storage.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	identityID := strings.TrimSpace(identity.ID)
	displayName := strings.TrimSpace(identity.DisplayName)
	if identityID == "" {
		return fmt.Errorf("identity id is required")
	}
	if displayName == "" {
		return fmt.Errorf("display name is required")
	}
	if identity.Score < 0 {
		return fmt.Errorf("score cannot be negative")
	}
	createdAt := identity.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := identity.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO identities (id, display_name, score, version, permissions, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		identityID,
		displayName,
		identity.Score,
		strings.Join(identity.Permissions, ","),
		toMillis(createdAt),
		toMillis(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

// GetIdentity returns one identity by id.
func (s *Store) GetIdentity(ctx context.Context, identityID string) (storage.Identity, error) {
	if err := ctx.Err(); err != nil {
		return storage.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Identity{}, fmt.Errorf("storage is not configured")
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return storage.Identity{}, fmt.Errorf("identity id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, display_name, score, permissions, created_at, updated_at
		   FROM identities
		  WHERE id = ?`,
		identityID,
	)
	return scanIdentity(row)
}

// ApplyIncrement adds delta to the identity's score and appends the change
// record in one transaction. The identity row carries a version counter;
// an update that observes a stale version returns storage.ErrConflict with
// no effect, and the caller retries with a fresh read.
func (s *Store) ApplyIncrement(ctx context.Context, identityID string, delta int64, change storage.ScoreChange) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return 0, fmt.Errorf("identity id is required")
	}
	if delta < 0 {
		return 0, fmt.Errorf("delta cannot be negative")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin apply transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var score int64
	var version int64
	row := tx.QueryRowContext(ctx, `SELECT score, version FROM identities WHERE id = ?`, identityID)
	if err := row.Scan(&score, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("read current score: %w", err)
	}

	newScore := score + delta
	recordedAt := change.RecordedAt.UTC()
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	result, err := tx.ExecContext(
		ctx,
		`UPDATE identities
		    SET score = ?, version = version + 1, updated_at = ?
		  WHERE id = ? AND version = ?`,
		newScore,
		toMillis(recordedAt),
		identityID,
		version,
	)
	if err != nil {
		return 0, fmt.Errorf("update score: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update score rows affected: %w", err)
	}
	if affected == 0 {
		return 0, storage.ErrConflict
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO score_changes (id, identity_id, action_type, points, nonce, payload, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(change.ID),
		identityID,
		strings.TrimSpace(change.ActionType),
		delta,
		strings.TrimSpace(change.Nonce),
		change.Payload,
		toMillis(recordedAt),
	)
	if err != nil {
		if isNonceUniqueViolation(err) {
			return 0, storage.ErrDuplicateNonce
		}
		return 0, fmt.Errorf("append score change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit apply transaction: %w", err)
	}
	return newScore, nil
}

// GetTopK returns the k highest-scoring identities.
func (s *Store) GetTopK(ctx context.Context, k int) ([]storage.LeaderboardEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, display_name, score
		   FROM identities
		  ORDER BY score DESC, id ASC
		  LIMIT ?`,
		k,
	)
	if err != nil {
		return nil, fmt.Errorf("query top k: %w", err)
	}
	defer rows.Close()

	entries := make([]storage.LeaderboardEntry, 0, k)
	for rows.Next() {
		var entry storage.LeaderboardEntry
		if err := rows.Scan(&entry.IdentityID, &entry.DisplayName, &entry.Score); err != nil {
			return nil, fmt.Errorf("scan top k row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query top k: %w", err)
	}
	return entries, nil
}

// GetRank returns the identity's score and 1-based descending rank with
// id-ascending tie-break.
func (s *Store) GetRank(ctx context.Context, identityID string) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, 0, fmt.Errorf("storage is not configured")
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return 0, 0, fmt.Errorf("identity id is required")
	}

	var score int64
	row := s.sqlDB.QueryRowContext(ctx, `SELECT score FROM identities WHERE id = ?`, identityID)
	if err := row.Scan(&score); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, storage.ErrNotFound
		}
		return 0, 0, fmt.Errorf("read score for rank: %w", err)
	}

	var ahead int64
	row = s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM identities WHERE score > ? OR (score = ? AND id < ?)`,
		score, score, identityID,
	)
	if err := row.Scan(&ahead); err != nil {
		return 0, 0, fmt.Errorf("count higher ranks: %w", err)
	}
	return score, ahead + 1, nil
}

// ListScoreChanges returns one page of an identity's change history, most
// recent first. The page token encodes the last row's timestamp and id.
func (s *Store) ListScoreChanges(ctx context.Context, identityID string, pageSize int, pageToken string) (storage.ScoreChangePage, error) {
	if err := ctx.Err(); err != nil {
		return storage.ScoreChangePage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ScoreChangePage{}, fmt.Errorf("storage is not configured")
	}
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return storage.ScoreChangePage{}, fmt.Errorf("identity id is required")
	}
	if pageSize <= 0 {
		return storage.ScoreChangePage{}, fmt.Errorf("page size must be greater than zero")
	}

	var (
		rows *sql.Rows
		err  error
	)
	beforeMillis, beforeID, hasToken, err := decodeChangeToken(pageToken)
	if err != nil {
		return storage.ScoreChangePage{}, err
	}
	if !hasToken {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT id, identity_id, action_type, points, nonce, payload, recorded_at
			   FROM score_changes
			  WHERE identity_id = ?
			  ORDER BY recorded_at DESC, id DESC
			  LIMIT ?`,
			identityID,
			pageSize+1,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT id, identity_id, action_type, points, nonce, payload, recorded_at
			   FROM score_changes
			  WHERE identity_id = ?
			    AND (recorded_at < ? OR (recorded_at = ? AND id < ?))
			  ORDER BY recorded_at DESC, id DESC
			  LIMIT ?`,
			identityID,
			beforeMillis,
			beforeMillis,
			beforeID,
			pageSize+1,
		)
	}
	if err != nil {
		return storage.ScoreChangePage{}, fmt.Errorf("list score changes: %w", err)
	}
	defer rows.Close()

	page := storage.ScoreChangePage{
		Changes: make([]storage.ScoreChange, 0, pageSize),
	}
	for rows.Next() {
		var change storage.ScoreChange
		var recordedAt int64
		if err := rows.Scan(
			&change.ID,
			&change.IdentityID,
			&change.ActionType,
			&change.Points,
			&change.Nonce,
			&change.Payload,
			&recordedAt,
		); err != nil {
			return storage.ScoreChangePage{}, fmt.Errorf("list score changes: %w", err)
		}
		change.RecordedAt = fromMillis(recordedAt)
		page.Changes = append(page.Changes, change)
	}
	if err := rows.Err(); err != nil {
		return storage.ScoreChangePage{}, fmt.Errorf("list score changes: %w", err)
	}
	if len(page.Changes) > pageSize {
		last := page.Changes[pageSize-1]
		page.NextPageToken = encodeChangeToken(toMillis(last.RecordedAt), last.ID)
		page.Changes = page.Changes[:pageSize]
	}
	return page, nil
}

func scanIdentity(row *sql.Row) (storage.Identity, error) {
	var identity storage.Identity
	var permissions string
	var createdAt int64
	var updatedAt int64
	err := row.Scan(
		&identity.ID,
		&identity.DisplayName,
		&identity.Score,
		&permissions,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Identity{}, storage.ErrNotFound
		}
		return storage.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	if permissions != "" {
		identity.Permissions = strings.Split(permissions, ",")
	}
	identity.CreatedAt = fromMillis(createdAt)
	identity.UpdatedAt = fromMillis(updatedAt)
	return identity, nil
}

func encodeChangeToken(millis int64, id string) string {
	return strconv.FormatInt(millis, 10) + "|" + id
}

func decodeChangeToken(token string) (int64, string, bool, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, "", false, nil
	}
	millisPart, id, ok := strings.Cut(token, "|")
	if !ok {
		return 0, "", false, fmt.Errorf("page token is malformed")
	}
	millis, err := strconv.ParseInt(millisPart, 10, 64)
	if err != nil {
		return 0, "", false, fmt.Errorf("page token is malformed")
	}
	return millis, id, true, nil
}

// isNonceUniqueViolation matches a violation of the (identity_id, nonce)
// unique index only. A primary key collision on score_changes.id is a
// different failure and must not read as a replayed nonce.
func isNonceUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() != sqlite3lib.SQLITE_CONSTRAINT_UNIQUE {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") &&
		strings.Contains(message, "score_changes.nonce")
}

var _ storage.IdentityStore = (*Store)(nil)
var _ storage.ScoreStore = (*Store)(nil)
