package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Enqueue(ctx context.Context, a *models.Alert) (*models.Alert, error) {
	query := `
		INSERT INTO alert_queue (user_id, calendar_id, kind, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		a.UserID, a.CalendarID, a.Kind, a.Detail).
		Scan(&a.ID, &a.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return a, nil
}

func (r *PostgresRepository) ListPending(ctx context.Context, maxAttempts, limit int) ([]*models.Alert, error) {
	query := `
		SELECT id, user_id, calendar_id, kind, detail, attempts, last_attempt, sent_at, created_at
		FROM alert_queue
		WHERE sent_at IS NULL AND attempts < $1
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.UserID, &a.CalendarID, &a.Kind, &a.Detail,
			&a.Attempts, &a.LastAttempt, &a.SentAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) MarkSent(ctx context.Context, id int64) error {
	query := `UPDATE alert_queue SET sent_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if ra != 1 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkAttempt(ctx context.Context, id int64) error {
	query := `UPDATE alert_queue SET attempts = attempts + 1, last_attempt = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if ra != 1 {
		return common.ErrorNotFound
	}
	return nil
}

// DeleteOlderThan purges old queue rows regardless of delivery outcome.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM alert_queue WHERE created_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return result.RowsAffected()
}
