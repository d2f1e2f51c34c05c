package channels

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

const channelColumns = `id, user_id, calendar_id, resource_id, token, expiration, created_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(s rowScanner) (*models.WebhookChannel, error) {
	ch := &models.WebhookChannel{}
	err := s.Scan(&ch.ID, &ch.UserID, &ch.CalendarID, &ch.ResourceID, &ch.Token, &ch.Expiration, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Create replaces any previous channel of the same calendar. The registrar
// stops the provider side of the replaced channel once the new row is in
// place; anything the old channel still delivers is ignored as unknown.
func (r *PostgresRepository) Create(ctx context.Context, ch *models.WebhookChannel) (*models.WebhookChannel, error) {
	query := `
		INSERT INTO webhook_channels (id, user_id, calendar_id, resource_id, token, expiration)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (calendar_id)
		DO UPDATE SET
			id = EXCLUDED.id,
			resource_id = EXCLUDED.resource_id,
			token = EXCLUDED.token,
			expiration = EXCLUDED.expiration,
			created_at = now()
		RETURNING created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		ch.ID, ch.UserID, ch.CalendarID, ch.ResourceID, ch.Token, ch.Expiration).
		Scan(&ch.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return ch, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.WebhookChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM webhook_channels WHERE id = $1`

	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ch, nil
}

func (r *PostgresRepository) GetByCalendar(ctx context.Context, calendarID int64) (*models.WebhookChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM webhook_channels WHERE calendar_id = $1`

	ch, err := scanChannel(r.db.QueryRowContext(ctx, query, calendarID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return ch, nil
}

func (r *PostgresRepository) queryChannels(ctx context.Context, query string, args ...any) ([]*models.WebhookChannel, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.WebhookChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.WebhookChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM webhook_channels ORDER BY created_at`
	return r.queryChannels(ctx, query)
}

func (r *PostgresRepository) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.WebhookChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM webhook_channels WHERE expiration < $1 ORDER BY expiration`
	return r.queryChannels(ctx, query, cutoff)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM webhook_channels WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
