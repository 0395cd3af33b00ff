// Package report provides PostgreSQL-backed storage for moderation flags.
// Flags against the same content are serialised with a transaction-scoped
// advisory lock on the content id, so the pending count that drives
// auto-hide is exact across servers.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pixellumo/lumoverse/internal/moderation"
)

// Store manages moderation flags in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ moderation.FlagStore = (*Store)(nil)

// NewStore creates a new flag store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const flagColumns = `id, content_id, content_type, reason, reported_by, status, auto_hidden,
	action, notes, moderator, resolved_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (moderation.Flag, error) {
	var (
		f          moderation.Flag
		status     string
		action     sql.NullString
		notes      sql.NullString
		moderator  sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&f.ID, &f.ContentID, &f.ContentType, &f.Reason, &f.ReportedBy, &status, &f.AutoHidden,
		&action, &notes, &moderator, &resolvedAt, &f.CreatedAt)
	if err != nil {
		return moderation.Flag{}, err
	}
	f.Status = moderation.FlagStatus(status)
	if action.Valid {
		f.Resolution = &moderation.Resolution{
			Action:     action.String,
			Notes:      notes.String,
			Moderator:  moderator.String,
			ResolvedAt: resolvedAt.Time,
		}
	}
	return f, nil
}

// Append implements moderation.FlagStore.
func (s *Store) Append(ctx context.Context, f moderation.Flag, hideAt int) (moderation.Flag, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return moderation.Flag{}, fmt.Errorf("report: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, f.ContentID); err != nil {
		return moderation.Flag{}, fmt.Errorf("report: lock: %w", err)
	}

	existing, err := scanFlag(tx.QueryRowContext(ctx,
		`SELECT `+flagColumns+` FROM moderation_flags
		 WHERE content_id = $1 AND reported_by = $2 AND status = 'pending'
		 LIMIT 1`, f.ContentID, f.ReportedBy))
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return moderation.Flag{}, fmt.Errorf("report: find existing: %w", err)
	}

	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM moderation_flags WHERE content_id = $1 AND status = 'pending'`,
		f.ContentID).Scan(&pending); err != nil {
		return moderation.Flag{}, fmt.Errorf("report: count pending: %w", err)
	}

	f.Status = moderation.StatusPending
	f.AutoHidden = pending+1 == hideAt || f.ReportedBy == moderation.SystemReporter

	const insert = `
		INSERT INTO moderation_flags (id, content_id, content_type, reason, reported_by, status, auto_hidden, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.ExecContext(ctx, insert,
		f.ID, f.ContentID, f.ContentType, f.Reason, f.ReportedBy, string(f.Status), f.AutoHidden, f.CreatedAt,
	); err != nil {
		return moderation.Flag{}, fmt.Errorf("report: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return moderation.Flag{}, fmt.Errorf("report: commit: %w", err)
	}
	return f, nil
}

// Get implements moderation.FlagStore.
func (s *Store) Get(ctx context.Context, id string) (moderation.Flag, bool, error) {
	f, err := scanFlag(s.db.QueryRowContext(ctx,
		`SELECT `+flagColumns+` FROM moderation_flags WHERE id::text = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return moderation.Flag{}, false, nil
	}
	if err != nil {
		return moderation.Flag{}, false, fmt.Errorf("report: get: %w", err)
	}
	return f, true, nil
}

// Resolve implements moderation.FlagStore.
func (s *Store) Resolve(ctx context.Context, id string, res moderation.Resolution) (moderation.Flag, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return moderation.Flag{}, false, fmt.Errorf("report: begin: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanFlag(tx.QueryRowContext(ctx,
		`SELECT `+flagColumns+` FROM moderation_flags WHERE id::text = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return moderation.Flag{}, false, nil
	}
	if err != nil {
		return moderation.Flag{}, false, fmt.Errorf("report: resolve select: %w", err)
	}

	const update = `
		UPDATE moderation_flags
		SET status = 'resolved', action = $2, notes = $3, moderator = $4, resolved_at = $5
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, prev.ID, res.Action, res.Notes, res.Moderator, res.ResolvedAt); err != nil {
		return moderation.Flag{}, false, fmt.Errorf("report: resolve update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return moderation.Flag{}, false, fmt.Errorf("report: commit: %w", err)
	}
	return prev, true, nil
}

// PendingCount implements moderation.FlagStore.
func (s *Store) PendingCount(ctx context.Context, contentID string) (int, bool, error) {
	var (
		n      int
		system bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(BOOL_OR(reported_by = $2), false)
		 FROM moderation_flags WHERE content_id = $1 AND status = 'pending'`,
		contentID, moderation.SystemReporter).Scan(&n, &system)
	if err != nil {
		return 0, false, fmt.Errorf("report: pending count: %w", err)
	}
	return n, system, nil
}

// Pending implements moderation.FlagStore.
func (s *Store) Pending(ctx context.Context, limit int) ([]moderation.Flag, error) {
	query := `SELECT ` + flagColumns + ` FROM moderation_flags WHERE status = 'pending' ORDER BY created_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("report: pending: %w", err)
	}
	defer rows.Close()

	out := []moderation.Flag{}
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("report: pending scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
