package tokens

import (
	"context"

	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

type Repository interface {
	Upsert(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error)
	Get(ctx context.Context, userID int64, accountEmail string) (*models.OAuthToken, error)
	Delete(ctx context.Context, userID int64, accountEmail string) error
}
