package channels

import (
	"context"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, ch *models.WebhookChannel) (*models.WebhookChannel, error)
	GetByID(ctx context.Context, id string) (*models.WebhookChannel, error)
	GetByCalendar(ctx context.Context, calendarID int64) (*models.WebhookChannel, error)
	List(ctx context.Context) ([]*models.WebhookChannel, error)
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*models.WebhookChannel, error)
	Delete(ctx context.Context, id string) error
}
