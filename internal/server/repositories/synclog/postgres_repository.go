package synclog

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

// PostgresRepository is an append-only audit trail of sync activity.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append stores one trail entry. UserID 0 is a system-wide entry and lands
// as NULL, since the column references users.
func (r *PostgresRepository) Append(ctx context.Context, entry *models.SyncLogEntry) error {
	query := `
		INSERT INTO sync_log (user_id, calendar_id, action, status, details)
		VALUES (NULLIF($1, 0), $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.UserID, entry.CalendarID, entry.Action, entry.Status, entry.Details)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sync_log WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return result.RowsAffected()
}
