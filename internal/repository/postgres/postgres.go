package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/warden/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository      = (*Repository)(nil)
	_ repository.QuotaRepository        = (*Repository)(nil)
	_ repository.PolicyRepository       = (*Repository)(nil)
	_ repository.SessionRepository      = (*Repository)(nil)
	_ repository.JitRepository          = (*Repository)(nil)
	_ repository.BudgetAlertRepository  = (*Repository)(nil)
	_ repository.RecoveryBlobRepository = (*Repository)(nil)
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return err
}
