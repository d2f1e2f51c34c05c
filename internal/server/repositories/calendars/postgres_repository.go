package calendars

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

const calendarColumns = `id, user_id, role, account_email, remote_id, display_name, color_id,
	is_active, disconnected_at, sync_token, last_full_sync, last_incremental_sync,
	consecutive_failures, last_error, created_at, updated_at`

// PostgresRepository persists connected calendars together with their sync
// position. The cursor columns are written only through CommitCursor and
// RecordFailure so a pass outcome lands atomically.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCalendar(s rowScanner) (*models.Calendar, error) {
	cal := &models.Calendar{}
	err := s.Scan(
		&cal.ID, &cal.UserID, &cal.Role, &cal.AccountEmail, &cal.RemoteID,
		&cal.DisplayName, &cal.ColorID, &cal.IsActive, &cal.DisconnectedAt,
		&cal.Cursor, &cal.LastFullSync, &cal.LastIncrementalSync,
		&cal.ConsecutiveFailures, &cal.LastError, &cal.CreatedAt, &cal.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return cal, nil
}

func (r *PostgresRepository) Create(ctx context.Context, cal *models.Calendar) (*models.Calendar, error) {
	query := `
		INSERT INTO calendars (user_id, role, account_email, remote_id, display_name, color_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		cal.UserID, cal.Role, cal.AccountEmail, cal.RemoteID, cal.DisplayName, cal.ColorID, cal.IsActive).
		Scan(&cal.ID, &cal.CreatedAt, &cal.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return cal, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars WHERE id = $1`

	cal, err := scanCalendar(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return cal, nil
}

func (r *PostgresRepository) GetByRemote(ctx context.Context, userID int64, remoteID string, role models.CalendarRole) (*models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars
		WHERE user_id = $1 AND remote_id = $2 AND role = $3`

	cal, err := scanCalendar(r.db.QueryRowContext(ctx, query, userID, remoteID, role))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return cal, nil
}

func (r *PostgresRepository) MainForUser(ctx context.Context, userID int64) (*models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars
		WHERE user_id = $1 AND role = 'main'`

	cal, err := scanCalendar(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return cal, nil
}

func (r *PostgresRepository) queryCalendars(ctx context.Context, query string, args ...any) ([]*models.Calendar, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cal)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars WHERE user_id = $1 ORDER BY id`
	return r.queryCalendars(ctx, query, userID)
}

func (r *PostgresRepository) ListActiveByUser(ctx context.Context, userID int64) ([]*models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars WHERE user_id = $1 AND is_active ORDER BY id`
	return r.queryCalendars(ctx, query, userID)
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]*models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars WHERE is_active ORDER BY id`
	return r.queryCalendars(ctx, query)
}

func (r *PostgresRepository) ListDisconnectedBefore(ctx context.Context, cutoff time.Time) ([]*models.Calendar, error) {
	query := `SELECT ` + calendarColumns + ` FROM calendars
		WHERE disconnected_at IS NOT NULL AND disconnected_at < $1 ORDER BY id`
	return r.queryCalendars(ctx, query, cutoff)
}

// CommitCursor stores the next incremental token after a fully successful
// pass and resets the failure counter. fullSync records which listing mode
// produced the token.
func (r *PostgresRepository) CommitCursor(ctx context.Context, id int64, cursor string, fullSync bool) error {
	query := `
		UPDATE calendars SET
			sync_token = $2,
			last_full_sync = CASE WHEN $3 THEN now() ELSE last_full_sync END,
			last_incremental_sync = CASE WHEN $3 THEN last_incremental_sync ELSE now() END,
			consecutive_failures = 0,
			last_error = '',
			updated_at = now()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, cursor, fullSync)
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

// RecordFailure increments the consecutive failure counter and returns the
// new count. The cursor is left untouched so the failed span is retried.
func (r *PostgresRepository) RecordFailure(ctx context.Context, id int64, message string) (int, error) {
	query := `
		UPDATE calendars SET
			consecutive_failures = consecutive_failures + 1,
			last_error = $2,
			updated_at = now()
		WHERE id = $1
		RETURNING consecutive_failures
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, id, message).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, common.ErrorNotFound
		}
		return 0, fmt.Errorf("db error: %w", err)
	}
	return count, nil
}

// SetActive toggles syncing. Reactivation clears the disconnect marker and
// failure counter so the calendar starts clean.
func (r *PostgresRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `
		UPDATE calendars SET
			is_active = $2,
			disconnected_at = CASE WHEN $2 THEN NULL ELSE disconnected_at END,
			consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures END,
			updated_at = now()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, active)
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

// MarkDisconnected deactivates the calendar and stamps disconnected_at so
// retention can purge the row later.
func (r *PostgresRepository) MarkDisconnected(ctx context.Context, id int64) error {
	query := `
		UPDATE calendars SET
			is_active = FALSE,
			disconnected_at = now(),
			updated_at = now()
		WHERE id = $1
	`

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

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	query := `DELETE FROM calendars WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
