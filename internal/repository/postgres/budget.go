package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/repository"
)

// UpsertBudgetAlert inserts or updates the alert threshold for a project.
// The triggered latch is preserved on update.
func (r *Repository) UpsertBudgetAlert(ctx context.Context, alert *domain.BudgetAlert) error {
	const query = `INSERT INTO budget_alerts (project_id, threshold, current_spend, triggered, triggered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id) DO UPDATE SET threshold = EXCLUDED.threshold`
	_, err := r.pool.Exec(ctx, query,
		alert.ProjectID, alert.Threshold, alert.CurrentSpend, alert.Triggered, alert.TriggeredAt)
	return err
}

// GetBudgetAlert fetches the alert row for a project.
func (r *Repository) GetBudgetAlert(ctx context.Context, projectID string) (*domain.BudgetAlert, error) {
	const query = `SELECT project_id, threshold, current_spend, triggered, triggered_at
		FROM budget_alerts WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var a domain.BudgetAlert
	if err := row.Scan(&a.ProjectID, &a.Threshold, &a.CurrentSpend, &a.Triggered, &a.TriggeredAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// TriggerBudgetAlert flips the one-shot latch when spend has reached the
// threshold and the latch was clear. The conditional UPDATE makes the edge
// trigger atomic: exactly one caller observes true.
func (r *Repository) TriggerBudgetAlert(ctx context.Context, projectID string, spend float64, at time.Time) (bool, error) {
	const query = `UPDATE budget_alerts
		SET current_spend = $2, triggered = TRUE, triggered_at = $3
		WHERE project_id = $1 AND NOT triggered AND $2 >= threshold`
	tag, err := r.pool.Exec(ctx, query, projectID, spend, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// Keep the observed spend current even when the latch does not flip.
	const track = `UPDATE budget_alerts SET current_spend = $2 WHERE project_id = $1`
	if _, err := r.pool.Exec(ctx, track, projectID, spend); err != nil {
		return false, err
	}
	return false, nil
}

// ResetBudgetAlert clears the one-shot latch so the alert can fire again.
func (r *Repository) ResetBudgetAlert(ctx context.Context, projectID string) error {
	const query = `UPDATE budget_alerts SET triggered = FALSE, triggered_at = NULL WHERE project_id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
