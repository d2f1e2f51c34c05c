package alerts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

type Repository interface {
	Enqueue(ctx context.Context, a *models.Alert) (*models.Alert, error)
	// ListPending returns unsent alerts with fewer than maxAttempts tries,
	// oldest first. Backoff eligibility is the dispatcher's concern.
	ListPending(ctx context.Context, maxAttempts, limit int) ([]*models.Alert, error)
	MarkSent(ctx context.Context, id int64) error
	MarkAttempt(ctx context.Context, id int64) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
