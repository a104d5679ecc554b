package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/repository"
)

// UpsertQuota inserts or updates the limit and unit for a quota key. Usage
// is preserved on update; it only moves through Add/Release.
func (r *Repository) UpsertQuota(ctx context.Context, quota *domain.Quota) error {
	const query = `INSERT INTO quotas (project_id, resource_type, region, quota_limit, used, unit, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, resource_type, region)
		DO UPDATE SET quota_limit = EXCLUDED.quota_limit, unit = EXCLUDED.unit, updated_at = EXCLUDED.updated_at`
	_, err := r.pool.Exec(ctx, query,
		quota.ProjectID, quota.ResourceType, quota.Region,
		quota.Limit, quota.Used, quota.Unit, quota.UpdatedAt)
	return err
}

// GetQuota fetches the quota row for a (project, resource type, region) key.
func (r *Repository) GetQuota(ctx context.Context, projectID, resourceType, region string) (*domain.Quota, error) {
	const query = `SELECT project_id, resource_type, region, quota_limit, used, unit, updated_at
		FROM quotas WHERE project_id = $1 AND resource_type = $2 AND region = $3`
	row := r.pool.QueryRow(ctx, query, projectID, resourceType, region)
	var q domain.Quota
	if err := row.Scan(&q.ProjectID, &q.ResourceType, &q.Region, &q.Limit, &q.Used, &q.Unit, &q.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &q, nil
}

// AddQuotaUsage atomically increments usage for a quota key.
func (r *Repository) AddQuotaUsage(ctx context.Context, projectID, resourceType, region string, amount int) error {
	const query = `UPDATE quotas SET used = used + $4, updated_at = $5
		WHERE project_id = $1 AND resource_type = $2 AND region = $3`
	tag, err := r.pool.Exec(ctx, query, projectID, resourceType, region, amount, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ReleaseQuotaUsage atomically decrements usage, floored at zero.
func (r *Repository) ReleaseQuotaUsage(ctx context.Context, projectID, resourceType, region string, amount int) error {
	const query = `UPDATE quotas SET used = GREATEST(used - $4, 0), updated_at = $5
		WHERE project_id = $1 AND resource_type = $2 AND region = $3`
	tag, err := r.pool.Exec(ctx, query, projectID, resourceType, region, amount, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SumQuotaUsage totals consumed quota across all keys of a project.
func (r *Repository) SumQuotaUsage(ctx context.Context, projectID string) (int, error) {
	const query = `SELECT COALESCE(SUM(used), 0) FROM quotas WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var total int
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// SumUsageByType totals consumed quota for one resource type across regions.
func (r *Repository) SumUsageByType(ctx context.Context, projectID, resourceType string) (int, error) {
	const query = `SELECT COALESCE(SUM(used), 0) FROM quotas WHERE project_id = $1 AND resource_type = $2`
	row := r.pool.QueryRow(ctx, query, projectID, resourceType)
	var total int
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}
