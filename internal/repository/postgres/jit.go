package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/repository"
)

// CreateGrant inserts a JIT grant, filling the auto-increment identifier.
func (r *Repository) CreateGrant(ctx context.Context, grant *domain.JitGrant) error {
	const query = `INSERT INTO jit_permissions
		(principal, guild_id, provider, level, granted_by, granted_at, expires_at, revoked, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query,
		grant.Principal, grant.GuildID, grant.Provider, grant.Level,
		grant.GrantedBy, grant.GrantedAt, grant.ExpiresAt, grant.Revoked, grant.RevokedAt)
	return row.Scan(&grant.ID)
}

const grantColumns = `id, principal, guild_id, provider, level, granted_by, granted_at, expires_at, revoked, revoked_at`

func scanGrant(row pgx.Row) (*domain.JitGrant, error) {
	var g domain.JitGrant
	if err := row.Scan(&g.ID, &g.Principal, &g.GuildID, &g.Provider, &g.Level,
		&g.GrantedBy, &g.GrantedAt, &g.ExpiresAt, &g.Revoked, &g.RevokedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGrantByID retrieves a grant.
func (r *Repository) GetGrantByID(ctx context.Context, grantID int64) (*domain.JitGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM jit_permissions WHERE id = $1`
	grant, err := scanGrant(r.pool.QueryRow(ctx, query, grantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return grant, nil
}

// ListUnrevokedGrants returns a principal's unrevoked grants in a guild.
// Expiry filtering is the caller's concern so activity stays computed, not
// cached.
func (r *Repository) ListUnrevokedGrants(ctx context.Context, principal, guildID string) ([]domain.JitGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM jit_permissions
		WHERE principal = $1 AND guild_id = $2 AND NOT revoked ORDER BY expires_at DESC`
	rows, err := r.pool.Query(ctx, query, principal, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

// ListExpiredUnrevoked returns grants past expiry that the sweep has not yet
// revoked.
func (r *Repository) ListExpiredUnrevoked(ctx context.Context, cutoff time.Time) ([]domain.JitGrant, error) {
	query := `SELECT ` + grantColumns + ` FROM jit_permissions
		WHERE expires_at <= $1 AND NOT revoked ORDER BY expires_at`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGrants(rows)
}

// RevokeGrant flips the revoked flag. Revoking an already revoked grant is a
// no-op reported as ErrNotFound.
func (r *Repository) RevokeGrant(ctx context.Context, grantID int64, revokedAt time.Time) error {
	const query = `UPDATE jit_permissions SET revoked = TRUE, revoked_at = $2
		WHERE id = $1 AND NOT revoked`
	tag, err := r.pool.Exec(ctx, query, grantID, revokedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func collectGrants(rows pgx.Rows) ([]domain.JitGrant, error) {
	var grants []domain.JitGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, *grant)
	}
	return grants, rows.Err()
}
