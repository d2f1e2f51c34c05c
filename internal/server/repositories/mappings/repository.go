package mappings

import (
	"context"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

// Repository persists event mappings and their busy blocks. The two are one
// aggregate: block rows never outlive their mapping.
type Repository interface {
	Upsert(ctx context.Context, m *models.EventMapping) (*models.EventMapping, error)
	GetByOrigin(ctx context.Context, userID, originCalendarID int64, originEventID string) (*models.EventMapping, error)
	GetByMainEvent(ctx context.Context, userID int64, mainEventID string) (*models.EventMapping, error)
	ListByUser(ctx context.Context, userID int64, includeDeleted bool) ([]*models.EventMapping, error)
	ListByOriginCalendar(ctx context.Context, originCalendarID int64, includeDeleted bool) ([]*models.EventMapping, error)
	ListByRecurringParent(ctx context.Context, originCalendarID int64, parentEventID string) ([]*models.EventMapping, error)
	SetMainEvent(ctx context.Context, id int64, mainEventID string) error
	SoftDelete(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSoftDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	UpsertBlock(ctx context.Context, b *models.BusyBlock) (*models.BusyBlock, error)
	ListBlocks(ctx context.Context, mappingID int64) ([]*models.BusyBlock, error)
	ListBlocksByCalendar(ctx context.Context, calendarID int64) ([]*models.BusyBlock, error)
	ListBlocksOfDeletedMappings(ctx context.Context, userID int64) ([]*models.BusyBlock, error)
	DeleteBlock(ctx context.Context, id int64) error
}
