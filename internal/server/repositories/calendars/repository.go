package calendars

import (
	"context"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, cal *models.Calendar) (*models.Calendar, error)
	GetByID(ctx context.Context, id int64) (*models.Calendar, error)
	GetByRemote(ctx context.Context, userID int64, remoteID string, role models.CalendarRole) (*models.Calendar, error)
	MainForUser(ctx context.Context, userID int64) (*models.Calendar, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.Calendar, error)
	ListActiveByUser(ctx context.Context, userID int64) ([]*models.Calendar, error)
	ListActive(ctx context.Context) ([]*models.Calendar, error)
	ListDisconnectedBefore(ctx context.Context, cutoff time.Time) ([]*models.Calendar, error)

	CommitCursor(ctx context.Context, id int64, cursor string, fullSync bool) error
	RecordFailure(ctx context.Context, id int64, message string) (int, error)
	SetActive(ctx context.Context, id int64, active bool) error
	MarkDisconnected(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}
