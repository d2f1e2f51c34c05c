package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/dbx"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Acquire upserts the lock row in one statement. The conflict branch only
// fires when the existing lease is expired or already ours, so RowsAffected
// tells us whether we won: 1 means acquired, 0 means held elsewhere.
func (r *PostgresRepository) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	query := `
		INSERT INTO sync_locks (name, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name)
		DO UPDATE SET
			owner = EXCLUDED.owner,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE sync_locks.expires_at <= EXCLUDED.acquired_at
		   OR sync_locks.owner = EXCLUDED.owner
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query, name, owner, now, now.Add(ttl))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrLockHeld
	}
	return nil
}

func (r *PostgresRepository) Release(ctx context.Context, name, owner string) error {
	query := `DELETE FROM sync_locks WHERE name = $1 AND owner = $2`

	if _, err := r.db.ExecContext(ctx, query, name, owner); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_locks WHERE expires_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return result.RowsAffected()
}
