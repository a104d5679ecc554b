package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/repository"
)

// CreateSession inserts a deployment session.
func (r *Repository) CreateSession(ctx context.Context, session *domain.DeploymentSession) error {
	resources, err := json.Marshal(session.Resources)
	if err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	const query = `INSERT INTO deployment_sessions
		(id, project_id, principal, provider, resources, hourly_cost, status,
		 plan_adds, plan_changes, plan_destroys, working_dir, error,
		 created_at, expires_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err = r.pool.Exec(ctx, query,
		session.ID, session.ProjectID, session.Principal, session.Provider,
		resources, session.HourlyCost, session.Status,
		session.PlanAdds, session.PlanChanges, session.PlanDestroys,
		session.WorkingDir, session.Error,
		session.CreatedAt, session.ExpiresAt, session.CompletedAt, session.UpdatedAt)
	return mapWriteError(err)
}

const sessionColumns = `id, project_id, principal, provider, resources, hourly_cost, status,
	plan_adds, plan_changes, plan_destroys, working_dir, error,
	created_at, expires_at, completed_at, updated_at`

func scanSession(row pgx.Row) (*domain.DeploymentSession, error) {
	var s domain.DeploymentSession
	var resources []byte
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Principal, &s.Provider, &resources, &s.HourlyCost, &s.Status,
		&s.PlanAdds, &s.PlanChanges, &s.PlanDestroys, &s.WorkingDir, &s.Error,
		&s.CreatedAt, &s.ExpiresAt, &s.CompletedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if len(resources) > 0 {
		if err := json.Unmarshal(resources, &s.Resources); err != nil {
			return nil, fmt.Errorf("decode resources: %w", err)
		}
	}
	return &s, nil
}

// GetSessionByID retrieves a deployment session.
func (r *Repository) GetSessionByID(ctx context.Context, sessionID string) (*domain.DeploymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM deployment_sessions WHERE id = $1`
	session, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

// UpdateSessionStatus applies a status-bearing update to a session. Plan
// change counts are written only when the update carries them; other
// transitions leave the recorded counts as they were.
func (r *Repository) UpdateSessionStatus(ctx context.Context, update domain.SessionStatusUpdate) error {
	const query = `UPDATE deployment_sessions SET
			status = $2,
			plan_adds = CASE WHEN $3 THEN $4 ELSE plan_adds END,
			plan_changes = CASE WHEN $3 THEN $5 ELSE plan_changes END,
			plan_destroys = CASE WHEN $3 THEN $6 ELSE plan_destroys END,
			error = $7,
			completed_at = COALESCE($8, completed_at),
			updated_at = $9
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.SessionID, update.Status,
		update.HasPlan, update.PlanAdds, update.PlanChanges, update.PlanDestroys,
		update.Error, update.CompletedAt, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListSessionsByProject returns recent sessions for a project.
func (r *Repository) ListSessionsByProject(ctx context.Context, projectID string, limit int) ([]domain.DeploymentSession, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + ` FROM deployment_sessions
		WHERE project_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListSessionsExpiredBefore returns non-terminal sessions whose expiry has
// passed.
func (r *Repository) ListSessionsExpiredBefore(ctx context.Context, cutoff time.Time) ([]domain.DeploymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM deployment_sessions
		WHERE expires_at <= $1 AND status IN ('pending', 'approved', 'planned', 'applying')
		ORDER BY expires_at`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// SumCompletedHourlyCost totals the hourly cost of completed sessions for a
// project, feeding the budget projection.
func (r *Repository) SumCompletedHourlyCost(ctx context.Context, projectID string) (float64, error) {
	const query = `SELECT COALESCE(SUM(hourly_cost), 0) FROM deployment_sessions
		WHERE project_id = $1 AND status = 'completed'`
	row := r.pool.QueryRow(ctx, query, projectID)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func collectSessions(rows pgx.Rows) ([]domain.DeploymentSession, error) {
	var sessions []domain.DeploymentSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}
