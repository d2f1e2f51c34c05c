package synclog

import (
	"context"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

type Repository interface {
	Append(ctx context.Context, entry *models.SyncLogEntry) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
