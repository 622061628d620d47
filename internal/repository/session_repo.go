package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aware-engine/backend/internal/model"
)

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 50

// SessionRepository archives finished sessions. Each row holds summary
// columns for listing and a zstd-compressed JSON snapshot of the session.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Save inserts the session or replaces its archived copy.
func (r *SessionRepository) Save(ctx context.Context, session *model.Session) error {
	packed, err := packSnapshot(session)
	if err != nil {
		return err
	}
	sum := session.Summary()

	query := `
		INSERT INTO sessions (id, state, failure, url, violation_count, suggestion_count, source_path, source_digest,
			snapshot, snapshot_size, snapshot_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			failure = excluded.failure,
			url = excluded.url,
			violation_count = excluded.violation_count,
			suggestion_count = excluded.suggestion_count,
			source_path = excluded.source_path,
			source_digest = excluded.source_digest,
			snapshot = excluded.snapshot,
			snapshot_size = excluded.snapshot_size,
			snapshot_hash = excluded.snapshot_hash,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		sum.ID,
		sum.State,
		nullString(sum.Failure),
		nullString(sum.URL),
		sum.ViolationCount,
		sum.SuggestionCount,
		nullString(sum.SourcePath),
		nullString(sum.SourceDigest),
		packed.blob,
		packed.size,
		packed.hash,
		sum.CreatedAt.UTC(),
		sum.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// GetByID restores an archived session.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT snapshot, snapshot_size, snapshot_hash
		FROM sessions
		WHERE id = ?
	`

	var packed packedSnapshot
	err := r.db.QueryRowContext(ctx, query, id).Scan(&packed.blob, &packed.size, &packed.hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session, err := unpackSnapshot(&packed)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return session, nil
}

// List returns up to limit archived sessions, newest first. A limit of zero
// or less uses DefaultListLimit.
func (r *SessionRepository) List(ctx context.Context, limit int) ([]model.SessionSummary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, state, failure, url, violation_count, suggestion_count, source_path, source_digest, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	summaries := []model.SessionSummary{}
	for rows.Next() {
		var sum model.SessionSummary
		var failure, url, sourcePath, sourceDigest sql.NullString

		err := rows.Scan(
			&sum.ID,
			&sum.State,
			&failure,
			&url,
			&sum.ViolationCount,
			&sum.SuggestionCount,
			&sourcePath,
			&sourceDigest,
			&sum.CreatedAt,
			&sum.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.Failure = failure.String
		sum.URL = url.String
		sum.SourcePath = sourcePath.String
		sum.SourceDigest = sourceDigest.String

		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return summaries, nil
}

// Delete removes an archived session.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM sessions WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
