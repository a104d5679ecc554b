package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/warden/internal/domain"
	"github.com/splax/warden/internal/repository"
)

// UpsertRecoveryBlob stores the passphrase-encrypted recovery artifact for a
// vault session. Only ciphertext and the KDF salt touch the database.
func (r *Repository) UpsertRecoveryBlob(ctx context.Context, blob *domain.RecoveryBlob) error {
	const query = `INSERT INTO recovery_blobs (session_id, ciphertext, salt, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			salt = EXCLUDED.salt,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`
	_, err := r.pool.Exec(ctx, query, blob.SessionID, blob.Ciphertext, blob.Salt, blob.CreatedAt, blob.ExpiresAt)
	return err
}

// GetRecoveryBlob retrieves a recovery blob by session identifier.
func (r *Repository) GetRecoveryBlob(ctx context.Context, sessionID string) (*domain.RecoveryBlob, error) {
	const query = `SELECT session_id, ciphertext, salt, created_at, expires_at
		FROM recovery_blobs WHERE session_id = $1`
	row := r.pool.QueryRow(ctx, query, sessionID)
	var b domain.RecoveryBlob
	if err := row.Scan(&b.SessionID, &b.Ciphertext, &b.Salt, &b.CreatedAt, &b.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// DeleteRecoveryBlob removes a recovery blob. Deleting a missing blob is not
// an error; purge is idempotent.
func (r *Repository) DeleteRecoveryBlob(ctx context.Context, sessionID string) error {
	const query = `DELETE FROM recovery_blobs WHERE session_id = $1`
	_, err := r.pool.Exec(ctx, query, sessionID)
	return err
}

// DeleteExpiredRecoveryBlobs removes blobs past their TTL and reports how
// many were dropped.
func (r *Repository) DeleteExpiredRecoveryBlobs(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM recovery_blobs WHERE expires_at <= $1`
	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
