package retention

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
)

// Cleaner applies the retention policy:
//   - non-recurring mappings go 30 days after the event ended
//   - recurring series stay while the series exists; soft-deleted ones go
//     30 days after deletion
//   - sync trail entries go after 90 days
//   - disconnected calendar rows go after 30 days, cascading their
//     mappings, blocks and channel rows
//
// Everything here is row removal. Remote cleanup of live objects is the
// reconciler's job and happens long before rows age into this purge; what
// remains past its window is frozen history the sync window no longer
// reaches.
type Cleaner struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	cfg    *config.Config
	logger logging.Logger

	now func() time.Time
}

func NewCleaner(db *sql.DB, repos repomanager.RepositoryManager, cfg *config.Config, logger logging.Logger) *Cleaner {
	return &Cleaner{
		db:     db,
		repos:  repos,
		cfg:    cfg,
		logger: logger.With("module", "retention"),
		now:    time.Now,
	}
}

type cleanupStats struct {
	ExpiredMappings  int64 `json:"expired_mappings,omitempty"`
	PurgedSeries     int64 `json:"purged_series,omitempty"`
	OldSyncLogs      int64 `json:"old_sync_logs,omitempty"`
	DroppedCalendars int64 `json:"dropped_calendars,omitempty"`
	ExpiredLocks     int64 `json:"expired_locks,omitempty"`
	Errors           int   `json:"errors,omitempty"`
}

// Run executes one cleanup round. Steps are independent: a failing step is
// counted and the rest still run. The round is recorded on the sync trail
// as a system-wide "retention_cleanup" entry.
func (c *Cleaner) Run(ctx context.Context) error {
	now := c.now()
	var stats cleanupStats

	n, err := c.repos.Mappings(c.db).DeleteEndedBefore(ctx, now.Add(-days(c.cfg.EventRetentionDays)))
	if err != nil {
		c.logger.Warn(ctx, "purge of ended mappings failed", "error", err)
		stats.Errors++
	} else {
		stats.ExpiredMappings = n
	}

	n, err = c.repos.Mappings(c.db).DeleteSoftDeletedBefore(ctx, now.Add(-days(c.cfg.RecurringSoftDeleteDays)))
	if err != nil {
		c.logger.Warn(ctx, "purge of soft-deleted series failed", "error", err)
		stats.Errors++
	} else {
		stats.PurgedSeries = n
	}

	n, err = c.repos.SyncLog(c.db).DeleteOlderThan(ctx, now.Add(-days(c.cfg.AuditLogRetentionDays)))
	if err != nil {
		c.logger.Warn(ctx, "purge of sync trail failed", "error", err)
		stats.Errors++
	} else {
		stats.OldSyncLogs = n
	}

	cals, err := c.repos.Calendars(c.db).ListDisconnectedBefore(ctx, now.Add(-days(c.cfg.DisconnectedRetentionDays)))
	if err != nil {
		c.logger.Warn(ctx, "listing disconnected calendars failed", "error", err)
		stats.Errors++
	} else {
		for _, cal := range cals {
			if err := c.repos.Calendars(c.db).Delete(ctx, cal.ID); err != nil {
				c.logger.Warn(ctx, "purge of disconnected calendar failed",
					"calendar", cal.ID, "error", err)
				stats.Errors++
				continue
			}
			c.logger.Info(ctx, "purged disconnected calendar",
				"calendar", cal.ID, "user", cal.UserID, "remote", cal.RemoteID)
			stats.DroppedCalendars++
		}
	}

	// Leases past a full TTL are dead weight; Acquire overwrites expired
	// rows anyway, this just keeps the table small.
	n, err = c.repos.Locks(c.db).DeleteExpiredBefore(ctx, now.Add(-c.cfg.LockTTL))
	if err != nil {
		c.logger.Warn(ctx, "purge of expired locks failed", "error", err)
		stats.Errors++
	} else {
		stats.ExpiredLocks = n
	}

	c.logRun(ctx, stats)
	c.logger.Info(ctx, "retention cleanup finished",
		"expired_mappings", stats.ExpiredMappings,
		"purged_series", stats.PurgedSeries,
		"old_sync_logs", stats.OldSyncLogs,
		"dropped_calendars", stats.DroppedCalendars,
		"errors", stats.Errors)
	return nil
}

func (c *Cleaner) logRun(ctx context.Context, stats cleanupStats) {
	payload, err := json.Marshal(stats)
	if err != nil {
		payload = []byte("{}")
	}
	status := models.SyncLogStatusSuccess
	if stats.Errors > 0 {
		status = models.SyncLogStatusFailure
	}
	entry := &models.SyncLogEntry{
		Action:  "retention_cleanup",
		Status:  status,
		Details: string(payload),
	}
	if err := c.repos.SyncLog(c.db).Append(ctx, entry); err != nil {
		c.logger.Warn(ctx, "sync log append failed", "error", err)
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
