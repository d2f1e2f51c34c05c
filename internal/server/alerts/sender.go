package alerts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/netx"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

// Sender delivers one alert to the operator.
type Sender interface {
	Send(ctx context.Context, a *models.Alert) error
}

// SenderFromConfig picks the delivery channel: a webhook when one is
// configured, the log otherwise.
func SenderFromConfig(cfg *config.Config, logger logging.Logger) Sender {
	if cfg.AlertWebhookURL != "" {
		return NewWebhookSender(cfg.AlertWebhookURL)
	}
	return NewLogSender(logger)
}

// LogSender surfaces alerts as log records. The fallback channel: it cannot
// fail, so queued alerts always drain.
type LogSender struct {
	logger logging.Logger
}

func NewLogSender(logger logging.Logger) *LogSender {
	return &LogSender{logger: logger.With("module", "alerts")}
}

func (s *LogSender) Send(ctx context.Context, a *models.Alert) error {
	args := []any{"kind", a.Kind, "user", a.UserID, "detail", a.Detail}
	if a.CalendarID != nil {
		args = append(args, "calendar", *a.CalendarID)
	}
	s.logger.Warn(ctx, "ALERT", args...)
	return nil
}

// WebhookSender POSTs alerts as JSON, fitting chat-webhook style receivers.
type WebhookSender struct {
	url string
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{url: url}
}

type alertPayload struct {
	Kind       models.AlertKind `json:"kind"`
	UserID     int64            `json:"user_id"`
	CalendarID *int64           `json:"calendar_id,omitempty"`
	Detail     string           `json:"detail"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (s *WebhookSender) Send(ctx context.Context, a *models.Alert) error {
	return netx.PostJSON(ctx, s.url, alertPayload{
		Kind:       a.Kind,
		UserID:     a.UserID,
		CalendarID: a.CalendarID,
		Detail:     a.Detail,
		CreatedAt:  a.CreatedAt,
	})
}
