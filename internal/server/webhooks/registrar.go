package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/auth"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/busybridge/internal/server/tokens"
)

const (
	// The provider caps watch channels at seven days; six leaves room for a
	// renewal cycle before the hard stop.
	channelTTL = 6 * 24 * time.Hour
	// RenewalLead is the window inside which a channel is replaced rather
	// than kept. The renewal job passes it to RenewExpiring.
	RenewalLead = 24 * time.Hour
	// Tokens stay verifiable a day past the channel itself so late
	// deliveries are not rejected as expired.
	tokenSlack = 24 * time.Hour
)

// Registrar keeps one live push channel per active calendar: it opens
// channels, replaces them before the provider expires them, and stops them
// when a calendar is disconnected. A replacement registers the new channel
// first; the old one is stopped best effort, and anything it still delivers
// the receiver ignores as unknown.
type Registrar struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	provider tokens.ClientFactory
	cfg      *config.Config
	logger   logging.Logger
}

func NewRegistrar(db *sql.DB, repos repomanager.RepositoryManager, provider tokens.ClientFactory, cfg *config.Config, logger logging.Logger) *Registrar {
	return &Registrar{
		db:       db,
		repos:    repos,
		provider: provider,
		cfg:      cfg,
		logger:   logger.With("module", "webhook_registrar"),
	}
}

// EnsureChannel guarantees the calendar has a channel that outlives the
// renewal window: missing channels are registered, expiring ones replaced.
func (r *Registrar) EnsureChannel(ctx context.Context, cal *models.Calendar) error {
	ch, err := r.repos.Channels(r.db).GetByCalendar(ctx, cal.ID)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("lookup channel: %w", err)
		}
		return r.register(ctx, cal)
	}
	if time.Until(ch.Expiration) > RenewalLead {
		return nil
	}
	return r.replace(ctx, ch, cal)
}

// RenewExpiring replaces channels expiring within the given window. Rows
// whose calendar is gone or inactive are stopped and dropped instead.
// Failures alert and move on; the job runs again long before the channels
// actually lapse.
func (r *Registrar) RenewExpiring(ctx context.Context, within time.Duration) error {
	rows, err := r.repos.Channels(r.db).ListExpiringBefore(ctx, time.Now().Add(within))
	if err != nil {
		return fmt.Errorf("list expiring channels: %w", err)
	}
	for _, ch := range rows {
		cal, err := r.repos.Calendars(r.db).GetByID(ctx, ch.CalendarID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				// No calendar, no account to stop the channel with.
				if err := r.repos.Channels(r.db).Delete(ctx, ch.ID); err != nil {
					r.logger.Warn(ctx, "channel row delete failed", "channel", ch.ID, "error", err)
				}
				continue
			}
			r.logger.Warn(ctx, "calendar lookup failed", "channel", ch.ID, "error", err)
			continue
		}
		if !cal.IsActive {
			r.drop(ctx, ch, cal.AccountEmail)
			continue
		}
		if err := r.replace(ctx, ch, cal); err != nil {
			r.logger.Error(ctx, "channel renewal failed",
				"channel", ch.ID, "calendar", cal.ID, "error", err)
			r.raiseRegistrationAlert(ctx, cal, err)
			continue
		}
		r.logger.Info(ctx, "renewed push channel", "calendar", cal.ID)
	}
	return nil
}

// EnsureAll backfills channels for active calendars that lost theirs, for
// example through the expired-notification path or a failed earlier
// registration.
func (r *Registrar) EnsureAll(ctx context.Context) error {
	cals, err := r.repos.Calendars(r.db).ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active calendars: %w", err)
	}
	for _, cal := range cals {
		if err := r.EnsureChannel(ctx, cal); err != nil {
			r.logger.Error(ctx, "ensure channel failed", "calendar", cal.ID, "error", err)
			r.raiseRegistrationAlert(ctx, cal, err)
		}
	}
	return nil
}

// StopAll stops and removes the calendar's channels, used on disconnect.
func (r *Registrar) StopAll(ctx context.Context, cal *models.Calendar) error {
	ch, err := r.repos.Channels(r.db).GetByCalendar(ctx, cal.ID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return fmt.Errorf("lookup channel: %w", err)
	}
	r.drop(ctx, ch, cal.AccountEmail)
	return nil
}

func (r *Registrar) register(ctx context.Context, cal *models.Calendar) error {
	client, err := r.provider.ClientFor(ctx, cal.UserID, cal.AccountEmail)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	channelID := uuid.NewString()
	token, err := auth.GenerateChannelToken(cal.ID, []byte(r.cfg.SecretKey), channelTTL+tokenSlack)
	if err != nil {
		return fmt.Errorf("sign channel token: %w", err)
	}
	address := strings.TrimRight(r.cfg.PublicURL, "/") + notificationPath

	watched, err := client.Watch(ctx, cal.RemoteID, channelID, token, address, channelTTL)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	expiration := watched.Expiration
	if expiration.IsZero() {
		expiration = time.Now().Add(channelTTL)
	}

	ch := &models.WebhookChannel{
		ID:         channelID,
		UserID:     cal.UserID,
		CalendarID: cal.ID,
		ResourceID: watched.ResourceID,
		Token:      token,
		Expiration: expiration,
	}
	if _, err := r.repos.Channels(r.db).Create(ctx, ch); err != nil {
		return fmt.Errorf("store channel: %w", err)
	}
	r.logger.Info(ctx, "registered push channel",
		"calendar", cal.ID, "channel", channelID, "expires", expiration)
	return nil
}

// replace opens the successor before touching the old channel, so there is
// never a window without one. Create upserts on the calendar, which retires
// the old row in the same statement.
func (r *Registrar) replace(ctx context.Context, old *models.WebhookChannel, cal *models.Calendar) error {
	if err := r.register(ctx, cal); err != nil {
		return err
	}
	r.stopRemote(ctx, old, cal.AccountEmail)
	return nil
}

// drop stops the provider side and removes the row. Both best effort: a
// channel whose stop never lands keeps notifying until it expires, and the
// receiver ignores it as unknown once the row is gone.
func (r *Registrar) drop(ctx context.Context, ch *models.WebhookChannel, accountEmail string) {
	r.stopRemote(ctx, ch, accountEmail)
	if err := r.repos.Channels(r.db).Delete(ctx, ch.ID); err != nil {
		r.logger.Warn(ctx, "channel row delete failed", "channel", ch.ID, "error", err)
	}
}

func (r *Registrar) stopRemote(ctx context.Context, ch *models.WebhookChannel, accountEmail string) {
	client, err := r.provider.ClientFor(ctx, ch.UserID, accountEmail)
	if err != nil {
		r.logger.Warn(ctx, "client for channel stop", "channel", ch.ID, "error", err)
		return
	}
	if err := client.StopChannel(ctx, ch.ID, ch.ResourceID); err != nil {
		r.logger.Warn(ctx, "stop channel failed", "channel", ch.ID, "error", err)
	}
}

func (r *Registrar) raiseRegistrationAlert(ctx context.Context, cal *models.Calendar, cause error) {
	a := &models.Alert{
		UserID:     cal.UserID,
		CalendarID: &cal.ID,
		Kind:       models.AlertCalendarInaccessible,
		Detail:     fmt.Sprintf("webhook channel registration failed: %v", cause),
	}
	if _, err := r.repos.Alerts(r.db).Enqueue(ctx, a); err != nil {
		r.logger.Error(ctx, "enqueue alert", "calendar", cal.ID, "error", err)
	}
}
