package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
)

const (
	dispatchBatchSize = 10
	maxAttempts       = 3
	queueRetention    = 7 * 24 * time.Hour
)

// Dispatcher drains the alert queue. Delivery failures back off per alert;
// rows that exhaust their attempts sit until the retention purge takes them.
type Dispatcher struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	sender Sender
	logger logging.Logger

	now func() time.Time
}

func NewDispatcher(db *sql.DB, repos repomanager.RepositoryManager, sender Sender, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		db:     db,
		repos:  repos,
		sender: sender,
		logger: logger.With("module", "alert_dispatcher"),
		now:    time.Now,
	}
}

// Raise queues an alert for delivery.
func (d *Dispatcher) Raise(ctx context.Context, a *models.Alert) error {
	if _, err := d.repos.Alerts(d.db).Enqueue(ctx, a); err != nil {
		return fmt.Errorf("enqueue alert: %w", err)
	}
	d.logger.Info(ctx, "alert raised", "kind", a.Kind, "user", a.UserID)
	return nil
}

// DispatchPending delivers due alerts, oldest first, one batch per call.
// Returns the number delivered.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	rows, err := d.repos.Alerts(d.db).ListPending(ctx, maxAttempts, dispatchBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending alerts: %w", err)
	}

	sent := 0
	for _, a := range rows {
		if !d.due(a) {
			continue
		}
		if err := d.sender.Send(ctx, a); err != nil {
			d.logger.Warn(ctx, "alert delivery failed",
				"alert", a.ID, "kind", a.Kind, "attempt", a.Attempts+1, "error", err)
			if err := d.repos.Alerts(d.db).MarkAttempt(ctx, a.ID); err != nil {
				d.logger.Warn(ctx, "mark attempt failed", "alert", a.ID, "error", err)
			}
			continue
		}
		if err := d.repos.Alerts(d.db).MarkSent(ctx, a.ID); err != nil {
			// The alert went out; a failed mark means one duplicate later,
			// which beats losing it.
			d.logger.Warn(ctx, "mark sent failed", "alert", a.ID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		d.logger.Info(ctx, "alerts dispatched", "count", sent)
	}
	return sent, nil
}

// due applies the backoff gate: after n failures an alert waits 2^n minutes.
func (d *Dispatcher) due(a *models.Alert) bool {
	if a.Attempts == 0 || a.LastAttempt == nil {
		return true
	}
	wait := time.Duration(1<<a.Attempts) * time.Minute
	return d.now().After(a.LastAttempt.Add(wait))
}

// PurgeStale removes queue rows older than the retention window, delivered
// or not.
func (d *Dispatcher) PurgeStale(ctx context.Context) error {
	n, err := d.repos.Alerts(d.db).DeleteOlderThan(ctx, d.now().Add(-queueRetention))
	if err != nil {
		return fmt.Errorf("purge alerts: %w", err)
	}
	if n > 0 {
		d.logger.Info(ctx, "purged stale alerts", "count", n)
	}
	return nil
}
