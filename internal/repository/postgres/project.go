package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/repository"
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, guild_id, owner_id, provider, region, monthly_budget, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		project.ID, project.GuildID, project.OwnerID, project.Provider,
		project.Region, project.MonthlyBudget, project.Status, project.CreatedAt)
	return mapWriteError(err)
}

// GetProjectByID fetches a project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, guild_id, owner_id, provider, region, monthly_budget, status, created_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.GuildID, &p.OwnerID, &p.Provider, &p.Region, &p.MonthlyBudget, &p.Status, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectsByGuild returns all projects scoped to a guild.
func (r *Repository) ListProjectsByGuild(ctx context.Context, guildID string) ([]domain.Project, error) {
	const query = `SELECT id, guild_id, owner_id, provider, region, monthly_budget, status, created_at
		FROM projects WHERE guild_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.GuildID, &p.OwnerID, &p.Provider, &p.Region, &p.MonthlyBudget, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectStatus flips a project's status.
func (r *Repository) UpdateProjectStatus(ctx context.Context, projectID, status string) error {
	const query = `UPDATE projects SET status = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateProjectBudget changes a project's monthly budget ceiling.
func (r *Repository) UpdateProjectBudget(ctx context.Context, projectID string, monthlyBudget float64) error {
	const query = `UPDATE projects SET monthly_budget = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, projectID, monthlyBudget)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
