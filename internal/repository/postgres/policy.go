package postgres

import (
	"context"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/repository"
)

// UpsertPolicy inserts or replaces a guild policy by (guild, name).
func (r *Repository) UpsertPolicy(ctx context.Context, policy *domain.Policy) error {
	const query = `INSERT INTO policies
		(guild_id, name, policy_type, resource_pattern, allowed_values, denied_values,
		 max_cost_per_hour, max_instances, max_disk_gb, require_approval, priority, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (guild_id, name) DO UPDATE SET
			policy_type = EXCLUDED.policy_type,
			resource_pattern = EXCLUDED.resource_pattern,
			allowed_values = EXCLUDED.allowed_values,
			denied_values = EXCLUDED.denied_values,
			max_cost_per_hour = EXCLUDED.max_cost_per_hour,
			max_instances = EXCLUDED.max_instances,
			max_disk_gb = EXCLUDED.max_disk_gb,
			require_approval = EXCLUDED.require_approval,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active`
	_, err := r.pool.Exec(ctx, query,
		policy.GuildID, policy.Name, policy.Type, policy.ResourcePattern,
		policy.AllowedValues, policy.DeniedValues,
		policy.MaxCostPerHour, policy.MaxInstances, policy.MaxDiskGB,
		policy.RequireApproval, policy.Priority, policy.Active, policy.CreatedAt)
	return mapWriteError(err)
}

// ListActivePoliciesByGuild returns a guild's active policies in evaluation
// order (ascending priority, name as tiebreak for determinism).
func (r *Repository) ListActivePoliciesByGuild(ctx context.Context, guildID string) ([]domain.Policy, error) {
	const query = `SELECT guild_id, name, policy_type, resource_pattern, allowed_values, denied_values,
			max_cost_per_hour, max_instances, max_disk_gb, require_approval, priority, active, created_at
		FROM policies WHERE guild_id = $1 AND active ORDER BY priority, name`
	rows, err := r.pool.Query(ctx, query, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var policies []domain.Policy
	for rows.Next() {
		var p domain.Policy
		if err := rows.Scan(&p.GuildID, &p.Name, &p.Type, &p.ResourcePattern,
			&p.AllowedValues, &p.DeniedValues,
			&p.MaxCostPerHour, &p.MaxInstances, &p.MaxDiskGB,
			&p.RequireApproval, &p.Priority, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// DeletePolicy removes a guild policy.
func (r *Repository) DeletePolicy(ctx context.Context, guildID, name string) error {
	const query = `DELETE FROM policies WHERE guild_id = $1 AND name = $2`
	tag, err := r.pool.Exec(ctx, query, guildID, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
