package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

// PostgresRepository stores sealed OAuth refresh tokens, one row per
// (user, account) pair.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert inserts the token or replaces the sealed blob and scope when the
// (user_id, account_email) pair already exists.
func (r *PostgresRepository) Upsert(ctx context.Context, token *models.OAuthToken) (*models.OAuthToken, error) {
	query := `
		INSERT INTO oauth_tokens (user_id, account_email, sealed_refresh_token, scope)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, account_email)
		DO UPDATE SET
			sealed_refresh_token = EXCLUDED.sealed_refresh_token,
			scope = EXCLUDED.scope,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		token.UserID, token.AccountEmail, token.SealedRefreshToken, token.Scope).
		Scan(&token.ID, &token.CreatedAt, &token.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return token, nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID int64, accountEmail string) (*models.OAuthToken, error) {
	query :=
		`SELECT id, user_id, account_email, sealed_refresh_token, scope, created_at, updated_at
		 FROM oauth_tokens
		 WHERE user_id = $1 AND account_email = $2
		 `

	token := &models.OAuthToken{}
	err := r.db.QueryRowContext(ctx, query, userID, accountEmail).Scan(
		&token.ID, &token.UserID, &token.AccountEmail, &token.SealedRefreshToken,
		&token.Scope, &token.CreatedAt, &token.UpdatedAt)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return token, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, userID int64, accountEmail string) error {
	query := `DELETE FROM oauth_tokens WHERE user_id = $1 AND account_email = $2`

	if _, err := r.db.ExecContext(ctx, query, userID, accountEmail); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
