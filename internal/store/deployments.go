package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloudship/internal/deployment"
)

const deploymentColumns = `id, name, notebook_id, source_ref, region, cpu, memory,
	min_instances, max_instances, repo_full_name, branch, status, cycle,
	build_ref, image_ref, service_url, failure_reason, error_message, reload_token,
	created_at, updated_at, build_started_at, deploy_started_at, deployed_at, failed_at`

// Transition is one persisted state change of a deployment.
type Transition struct {
	Seq          int    `json:"seq"`
	Cycle        int    `json:"cycle"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	RecordedAt   string `json:"recorded_at"`
}

// Create inserts a new deployment and records its initial transition.
func (s *Store) Create(ctx context.Context, d *deployment.Deployment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), deploymentArgs(d)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: deployment %s already exists", deployment.ErrConflict, d.ID)
		}
		return fmt.Errorf("failed to insert deployment: %w", err)
	}

	if err := s.recordTransition(ctx, tx, d); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deployment: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of d and records the transition in
// the same transaction.
func (s *Store) Update(ctx context.Context, d *deployment.Deployment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE deployments SET
			repo_full_name = ?, branch = ?, status = ?, cycle = ?,
			build_ref = ?, image_ref = ?, service_url = ?,
			failure_reason = ?, error_message = ?, updated_at = ?,
			build_started_at = ?, deploy_started_at = ?, deployed_at = ?, failed_at = ?
		WHERE id = ?
	`),
		d.RepoFullName, d.Branch, string(d.Status), d.Cycle,
		d.BuildRef, d.ImageRef, d.ServiceURL,
		string(d.FailureReason), d.ErrorMessage, formatTime(d.UpdatedAt),
		formatTimePtr(d.BuildStarted), formatTimePtr(d.DeployStarted),
		formatTimePtr(d.DeployedAt), formatTimePtr(d.FailedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: deployment %s", deployment.ErrNotFound, d.ID)
	}

	if err := s.recordTransition(ctx, tx, d); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit deployment update: %w", err)
	}
	return nil
}

// UpdateRepository changes the tracked repository and branch of a
// deployment. Its status is untouched, so no transition is recorded.
func (s *Store) UpdateRepository(ctx context.Context, id, fullName, branch string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE deployments SET repo_full_name = ?, branch = ?, updated_at = ? WHERE id = ?
	`), fullName, branch, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to update repository link: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: deployment %s", deployment.ErrNotFound, id)
	}
	return nil
}

// Get returns the deployment with the given id.
func (s *Store) Get(ctx context.Context, id string) (*deployment.Deployment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`), id)

	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: deployment %s", deployment.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}

// List returns deployments, newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*deployment.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
}

// ListInFlight returns deployments that were mid-run, oldest first.
func (s *Store) ListInFlight(ctx context.Context) ([]*deployment.Deployment, error) {
	return s.queryDeployments(ctx, `
		SELECT `+deploymentColumns+` FROM deployments
		WHERE status IN (?, ?, ?)
		ORDER BY updated_at, id
	`, string(deployment.StatusPending), string(deployment.StatusBuilding), string(deployment.StatusDeploying))
}

// FindByRepository returns the newest deployment tracking fullName.
func (s *Store) FindByRepository(ctx context.Context, fullName string) (*deployment.Deployment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+deploymentColumns+` FROM deployments
		WHERE repo_full_name = ?
		ORDER BY created_at DESC
		LIMIT 1
	`), fullName)

	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no deployment tracks %s", deployment.ErrNotFound, fullName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find deployment by repository: %w", err)
	}
	return d, nil
}

// Transitions returns the recorded state changes of a deployment in order.
func (s *Store) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT seq, cycle, status, error_message, recorded_at
		FROM deployment_transitions
		WHERE deployment_id = ?
		ORDER BY seq
	`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		if err := rows.Scan(&tr.Seq, &tr.Cycle, &tr.Status, &tr.ErrorMessage, &tr.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *Store) recordTransition(ctx context.Context, tx *sql.Tx, d *deployment.Deployment) error {
	var seq int
	err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM deployment_transitions WHERE deployment_id = ?
	`), d.ID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to allocate transition sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO deployment_transitions (deployment_id, seq, cycle, status, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), d.ID, seq, d.Cycle, string(d.Status), d.ErrorMessage, formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

func (s *Store) queryDeployments(ctx context.Context, query string, args ...any) ([]*deployment.Deployment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}
	defer rows.Close()

	var out []*deployment.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func deploymentArgs(d *deployment.Deployment) []any {
	return []any{
		d.ID, d.Name, d.NotebookID, d.SourceRef, d.Region,
		d.Resources.CPU, d.Resources.Memory, d.Resources.MinInstances, d.Resources.MaxInstances,
		d.RepoFullName, d.Branch, string(d.Status), d.Cycle,
		d.BuildRef, d.ImageRef, d.ServiceURL, string(d.FailureReason), d.ErrorMessage, d.ReloadToken,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
		formatTimePtr(d.BuildStarted), formatTimePtr(d.DeployStarted),
		formatTimePtr(d.DeployedAt), formatTimePtr(d.FailedAt),
	}
}

func scanDeployment(s scanner) (*deployment.Deployment, error) {
	var (
		d                           deployment.Deployment
		status, reason              string
		createdAt, updatedAt        string
		buildStarted, deployStarted sql.NullString
		deployedAt, failedAt        sql.NullString
	)

	err := s.Scan(
		&d.ID, &d.Name, &d.NotebookID, &d.SourceRef, &d.Region,
		&d.Resources.CPU, &d.Resources.Memory, &d.Resources.MinInstances, &d.Resources.MaxInstances,
		&d.RepoFullName, &d.Branch, &status, &d.Cycle,
		&d.BuildRef, &d.ImageRef, &d.ServiceURL, &reason, &d.ErrorMessage, &d.ReloadToken,
		&createdAt, &updatedAt, &buildStarted, &deployStarted, &deployedAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	st, ok := deployment.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("unknown deployment status %q", status)
	}
	d.Status = st
	d.FailureReason = deployment.Reason(reason)

	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	if d.BuildStarted, err = parseTimePtr("build_started_at", buildStarted); err != nil {
		return nil, err
	}
	if d.DeployStarted, err = parseTimePtr("deploy_started_at", deployStarted); err != nil {
		return nil, err
	}
	if d.DeployedAt, err = parseTimePtr("deployed_at", deployedAt); err != nil {
		return nil, err
	}
	if d.FailedAt, err = parseTimePtr("failed_at", failedAt); err != nil {
		return nil, err
	}

	return &d, nil
}
