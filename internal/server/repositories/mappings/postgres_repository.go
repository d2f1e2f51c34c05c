package mappings

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

const mappingColumns = `id, user_id, origin_calendar_id, origin_type, origin_event_id,
	origin_recurring_event_id, COALESCE(main_event_id, ''), event_start, event_end,
	all_day, recurring, user_can_edit, content_hash, main_content_hash,
	deleted_at, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(s rowScanner) (*models.EventMapping, error) {
	m := &models.EventMapping{}
	err := s.Scan(
		&m.ID, &m.UserID, &m.OriginCalendarID, &m.OriginType, &m.OriginEventID,
		&m.OriginRecurringEventID, &m.MainEventID, &m.EventStart, &m.EventEnd,
		&m.AllDay, &m.Recurring, &m.UserCanEdit, &m.ContentHash, &m.MainContentHash,
		&m.DeletedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Upsert inserts the mapping or refreshes the snapshot columns when the
// origin identity already exists. A re-created origin resurrects its
// soft-deleted mapping (deleted_at is cleared).
//
// main_event_id is stored as NULL when empty: it is empty exactly for
// mappings whose origin is the main calendar.
func (r *PostgresRepository) Upsert(ctx context.Context, m *models.EventMapping) (*models.EventMapping, error) {
	query := `
		INSERT INTO event_mappings (user_id, origin_calendar_id, origin_type, origin_event_id,
			origin_recurring_event_id, main_event_id, event_start, event_end, all_day, recurring,
			user_can_edit, content_hash, main_content_hash)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, origin_calendar_id, origin_event_id)
		DO UPDATE SET
			origin_type = EXCLUDED.origin_type,
			origin_recurring_event_id = EXCLUDED.origin_recurring_event_id,
			main_event_id = EXCLUDED.main_event_id,
			event_start = EXCLUDED.event_start,
			event_end = EXCLUDED.event_end,
			all_day = EXCLUDED.all_day,
			recurring = EXCLUDED.recurring,
			user_can_edit = EXCLUDED.user_can_edit,
			content_hash = EXCLUDED.content_hash,
			main_content_hash = EXCLUDED.main_content_hash,
			deleted_at = NULL,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		m.UserID, m.OriginCalendarID, m.OriginType, m.OriginEventID,
		m.OriginRecurringEventID, m.MainEventID, m.EventStart, m.EventEnd,
		m.AllDay, m.Recurring, m.UserCanEdit, m.ContentHash, m.MainContentHash).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	m.DeletedAt = nil

	return m, nil
}

func (r *PostgresRepository) GetByOrigin(ctx context.Context, userID, originCalendarID int64, originEventID string) (*models.EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings
		WHERE user_id = $1 AND origin_calendar_id = $2 AND origin_event_id = $3`

	m, err := scanMapping(r.db.QueryRowContext(ctx, query, userID, originCalendarID, originEventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) GetByMainEvent(ctx context.Context, userID int64, mainEventID string) (*models.EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings
		WHERE user_id = $1 AND main_event_id = $2`

	m, err := scanMapping(r.db.QueryRowContext(ctx, query, userID, mainEventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) queryMappings(ctx context.Context, query string, args ...any) ([]*models.EventMapping, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.EventMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID int64, includeDeleted bool) ([]*models.EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings
		WHERE user_id = $1 AND ($2 OR deleted_at IS NULL) ORDER BY id`
	return r.queryMappings(ctx, query, userID, includeDeleted)
}

func (r *PostgresRepository) ListByOriginCalendar(ctx context.Context, originCalendarID int64, includeDeleted bool) ([]*models.EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings
		WHERE origin_calendar_id = $1 AND ($2 OR deleted_at IS NULL) ORDER BY id`
	return r.queryMappings(ctx, query, originCalendarID, includeDeleted)
}

func (r *PostgresRepository) ListByRecurringParent(ctx context.Context, originCalendarID int64, parentEventID string) ([]*models.EventMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM event_mappings
		WHERE origin_calendar_id = $1 AND origin_recurring_event_id = $2 ORDER BY id`
	return r.queryMappings(ctx, query, originCalendarID, parentEventID)
}

// SetMainEvent repoints the mapping at a new main copy, used after the
// reconciler recreates a copy that went missing.
func (r *PostgresRepository) SetMainEvent(ctx context.Context, id int64, mainEventID string) error {
	query := `UPDATE event_mappings SET main_event_id = NULLIF($2, ''), updated_at = now() WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id, mainEventID)
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

func (r *PostgresRepository) SoftDelete(ctx context.Context, id int64) error {
	query := `UPDATE event_mappings SET deleted_at = now(), updated_at = now() WHERE id = $1`

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
	query := `DELETE FROM event_mappings WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// DeleteEndedBefore purges non-recurring mappings whose event ended before
// the cutoff. Block rows go with them via the FK cascade.
func (r *PostgresRepository) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM event_mappings
		WHERE NOT recurring AND deleted_at IS NULL AND event_end < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return result.RowsAffected()
}

func (r *PostgresRepository) DeleteSoftDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM event_mappings
		WHERE deleted_at IS NOT NULL AND deleted_at < $1`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return result.RowsAffected()
}

// UpsertBlock records the block event on a calendar, replacing the remote id
// when a block for (mapping, calendar) already exists.
func (r *PostgresRepository) UpsertBlock(ctx context.Context, b *models.BusyBlock) (*models.BusyBlock, error) {
	query := `
		INSERT INTO busy_blocks (mapping_id, calendar_id, remote_event_id, source_kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mapping_id, calendar_id)
		DO UPDATE SET
			remote_event_id = EXCLUDED.remote_event_id,
			source_kind = EXCLUDED.source_kind
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		b.MappingID, b.CalendarID, b.RemoteEventID, b.SourceKind).
		Scan(&b.ID, &b.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return b, nil
}

func (r *PostgresRepository) queryBlocks(ctx context.Context, query string, args ...any) ([]*models.BusyBlock, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.BusyBlock
	for rows.Next() {
		var b models.BusyBlock
		if err := rows.Scan(&b.ID, &b.MappingID, &b.CalendarID, &b.RemoteEventID, &b.SourceKind, &b.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ListBlocks(ctx context.Context, mappingID int64) ([]*models.BusyBlock, error) {
	query := `SELECT id, mapping_id, calendar_id, remote_event_id, source_kind, created_at
		FROM busy_blocks WHERE mapping_id = $1 ORDER BY id`
	return r.queryBlocks(ctx, query, mappingID)
}

func (r *PostgresRepository) ListBlocksByCalendar(ctx context.Context, calendarID int64) ([]*models.BusyBlock, error) {
	query := `SELECT id, mapping_id, calendar_id, remote_event_id, source_kind, created_at
		FROM busy_blocks WHERE calendar_id = $1 ORDER BY id`
	return r.queryBlocks(ctx, query, calendarID)
}

// ListBlocksOfDeletedMappings returns blocks whose mapping is soft-deleted.
// These are remote leftovers the reconciler still has to remove.
func (r *PostgresRepository) ListBlocksOfDeletedMappings(ctx context.Context, userID int64) ([]*models.BusyBlock, error) {
	query := `SELECT b.id, b.mapping_id, b.calendar_id, b.remote_event_id, b.source_kind, b.created_at
		FROM busy_blocks b
		JOIN event_mappings m ON m.id = b.mapping_id
		WHERE m.user_id = $1 AND m.deleted_at IS NOT NULL ORDER BY b.id`
	return r.queryBlocks(ctx, query, userID)
}

func (r *PostgresRepository) DeleteBlock(ctx context.Context, id int64) error {
	query := `DELETE FROM busy_blocks WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
