package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloudship/internal/artifact"
	"cloudship/internal/deployment"
)

const versionColumns = `id, notebook_id, version, location, filename, size_bytes, accuracy, active, uploaded_at, activated_at`

// maxVersionAttempts bounds retries when concurrent writers on PostgreSQL
// race for the same version number or active slot.
const maxVersionAttempts = 3

// CreateVersion inserts v with the next version number for its notebook.
func (s *Store) CreateVersion(ctx context.Context, v *artifact.Version) (*artifact.Version, error) {
	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		out, err := s.createVersion(ctx, v)
		if err == nil {
			return out, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: could not allocate version for notebook %s: %v", deployment.ErrConflict, v.NotebookID, lastErr)
}

func (s *Store) createVersion(ctx context.Context, in *artifact.Version) (*artifact.Version, error) {
	v := *in

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(version), 0) + 1 FROM artifact_versions WHERE notebook_id = ?
	`), v.NotebookID).Scan(&v.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate version: %w", err)
	}

	if v.Active {
		if err := s.deactivateAll(ctx, tx, v.NotebookID); err != nil {
			return nil, err
		}
		at := v.UploadedAt
		v.ActivatedAt = &at
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO artifact_versions (`+versionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		v.ID, v.NotebookID, v.Version, v.Location, v.Filename, v.SizeBytes,
		nullFloat(v.Accuracy), v.Active, formatTime(v.UploadedAt), formatTimePtr(v.ActivatedAt),
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit version: %w", err)
	}
	return &v, nil
}

// ActivateVersion swaps the active flag to the given version inside one
// transaction. The previous active row is cleared before the new one is set,
// and the partial unique index rejects any interleaving that would leave two.
func (s *Store) ActivateVersion(ctx context.Context, notebookID string, version int, now time.Time) (*artifact.Version, error) {
	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		v, err := s.activateVersion(ctx, notebookID, version, now)
		if err == nil {
			return v, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: activation of version %d kept colliding: %v", deployment.ErrConflict, version, lastErr)
}

func (s *Store) activateVersion(ctx context.Context, notebookID string, version int, now time.Time) (*artifact.Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT id FROM artifact_versions WHERE notebook_id = ? AND version = ?
	`), notebookID, version).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %d of notebook %s", deployment.ErrNotFound, version, notebookID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up version: %w", err)
	}

	if err := s.deactivateAll(ctx, tx, notebookID); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE artifact_versions SET active = ?, activated_at = ? WHERE id = ?
	`), true, formatTime(now), id)
	if err != nil {
		return nil, err
	}

	v, err := scanVersion(tx.QueryRowContext(ctx, s.rebind(`SELECT `+versionColumns+` FROM artifact_versions WHERE id = ?`), id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return v, nil
}

// ActiveVersion returns the active version of a notebook.
func (s *Store) ActiveVersion(ctx context.Context, notebookID string) (*artifact.Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+versionColumns+` FROM artifact_versions WHERE notebook_id = ? AND active = ?
	`), notebookID, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active version for notebook %s", deployment.ErrNotFound, notebookID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active version: %w", err)
	}
	return v, nil
}

// GetVersion returns one version of a notebook.
func (s *Store) GetVersion(ctx context.Context, notebookID string, version int) (*artifact.Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+versionColumns+` FROM artifact_versions WHERE notebook_id = ? AND version = ?
	`), notebookID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %d of notebook %s", deployment.ErrNotFound, version, notebookID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// ListVersions returns all versions of a notebook, newest first.
func (s *Store) ListVersions(ctx context.Context, notebookID string) ([]*artifact.Version, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+versionColumns+` FROM artifact_versions WHERE notebook_id = ? ORDER BY version DESC
	`), notebookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var out []*artifact.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

// CountActive returns how many versions of a notebook are flagged active.
func (s *Store) CountActive(ctx context.Context, notebookID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM artifact_versions WHERE notebook_id = ? AND active = ?
	`), notebookID, true).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active versions: %w", err)
	}
	return n, nil
}

func (s *Store) deactivateAll(ctx context.Context, tx *sql.Tx, notebookID string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE artifact_versions SET active = ? WHERE notebook_id = ? AND active = ?
	`), false, notebookID, true)
	if err != nil {
		return fmt.Errorf("failed to deactivate versions: %w", err)
	}
	return nil
}

func scanVersion(s scanner) (*artifact.Version, error) {
	var (
		v           artifact.Version
		accuracy    sql.NullFloat64
		uploadedAt  string
		activatedAt sql.NullString
	)

	err := s.Scan(&v.ID, &v.NotebookID, &v.Version, &v.Location, &v.Filename, &v.SizeBytes,
		&accuracy, &v.Active, &uploadedAt, &activatedAt)
	if err != nil {
		return nil, err
	}

	if accuracy.Valid {
		a := accuracy.Float64
		v.Accuracy = &a
	}
	if v.UploadedAt, err = parseTime("uploaded_at", uploadedAt); err != nil {
		return nil, err
	}
	if v.ActivatedAt, err = parseTimePtr("activated_at", activatedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
