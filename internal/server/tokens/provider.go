// Package tokens exchanges stored refresh tokens for authenticated calendar
// clients, one per Google account. Refresh tokens are sealed before they hit
// the database; access tokens are minted on demand by the oauth2 transport
// and never persisted.
package tokens

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"

	"github.com/dmitrijs2005/busybridge/internal/cryptox"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/gcal"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
)

// remote calls retry transient failures this many times before giving up.
const remoteMaxAttempts = 5

// ClientFactory is the seam sync components depend on to reach one account's
// calendars; tests substitute fakes.
type ClientFactory interface {
	ClientFor(ctx context.Context, userID int64, accountEmail string) (gcal.Client, error)
}

// Provider stores sealed refresh tokens and builds authenticated clients
// from them.
type Provider struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	oauth       *oauth2.Config
	sealKey     []byte
	gcalOpts    gcal.Options
	logger      logging.Logger
}

func NewProvider(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *Provider {
	return &Provider{
		db:          db,
		repomanager: m,
		sealKey:     []byte(cfg.TokenSealKey),
		logger:      logger,
		oauth: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Scopes: []string{
				calendar.CalendarScope,
				calendar.CalendarEventsScope,
			},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
		gcalOpts: gcal.Options{
			SyncTag:      cfg.SyncTag,
			WindowPast:   cfg.FullSyncWindowPast,
			WindowFuture: cfg.FullSyncWindowFuture,
			MaxAttempts:  remoteMaxAttempts,
		},
	}
}

// Save seals and stores the refresh token for (user, account email).
func (p *Provider) Save(ctx context.Context, userID int64, accountEmail, refreshToken, scope string) error {
	sealed, err := cryptox.Seal([]byte(refreshToken), p.sealKey)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}

	_, err = p.repomanager.Tokens(p.db).Upsert(ctx, &models.OAuthToken{
		UserID:             userID,
		AccountEmail:       accountEmail,
		SealedRefreshToken: sealed,
		Scope:              scope,
	})
	if err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// Delete removes the stored token, on disconnect or after revocation.
func (p *Provider) Delete(ctx context.Context, userID int64, accountEmail string) error {
	return p.repomanager.Tokens(p.db).Delete(ctx, userID, accountEmail)
}

// HTTPClient returns an authenticated client for the account. A revoked
// refresh token does not fail here: it surfaces as an invalid_grant
// RetrieveError on the first request through the client.
func (p *Provider) HTTPClient(ctx context.Context, userID int64, accountEmail string) (*http.Client, error) {
	tok, err := p.repomanager.Tokens(p.db).Get(ctx, userID, accountEmail)
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}

	refresh, err := cryptox.Unseal(tok.SealedRefreshToken, p.sealKey)
	if err != nil {
		return nil, fmt.Errorf("unseal refresh token: %w", err)
	}

	ts := p.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: string(refresh)})
	return oauth2.NewClient(ctx, ts), nil
}

// ClientFor builds a calendar client bound to the account's credentials.
func (p *Provider) ClientFor(ctx context.Context, userID int64, accountEmail string) (gcal.Client, error) {
	httpClient, err := p.HTTPClient(ctx, userID, accountEmail)
	if err != nil {
		return nil, err
	}
	return gcal.New(ctx, httpClient, p.gcalOpts, p.logger)
}
