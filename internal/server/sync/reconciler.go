package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/gcal"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/busybridge/internal/server/tokens"
)

// Reconciler repairs drift between the store and the remote calendars:
// origin events that disappeared behind an expired cursor, copies a user
// deleted by hand, block rows whose remote object is gone, managed objects a
// crashed plan left unclaimed. Repairs are ordered so that no live remote
// object is ever orphaned: a row is removed only after its remote object is
// confirmed gone.
type Reconciler struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	provider tokens.ClientFactory
	rules    Rules
	cfg      *config.Config
	logger   logging.Logger
}

func NewReconciler(db *sql.DB, repos repomanager.RepositoryManager, provider tokens.ClientFactory, cfg *config.Config, logger logging.Logger) *Reconciler {
	return &Reconciler{
		db:       db,
		repos:    repos,
		provider: provider,
		rules:    NewRules(cfg),
		cfg:      cfg,
		logger:   logger.With("component", "reconciler"),
	}
}

// checkStats is the JSON document stored in the sync log for one check or
// reconcile run. Counters also decide whether a discrepancy alert is raised.
type checkStats struct {
	Mappings        int `json:"mappings,omitempty"`
	EventsFound     int `json:"events_found,omitempty"`
	OrphanedCopies  int `json:"orphaned_copies_deleted,omitempty"`
	RecreatedCopies int `json:"copies_recreated,omitempty"`
	OrphanedBlocks  int `json:"orphaned_blocks_deleted,omitempty"`
	StaleBlockRows  int `json:"stale_block_rows_dropped,omitempty"`
	StaleMappings   int `json:"stale_mappings_removed,omitempty"`
	Skipped         int `json:"skipped,omitempty"`
	Errors          int `json:"errors,omitempty"`
}

func (s checkStats) discrepancies() int {
	return s.OrphanedCopies + s.RecreatedCopies + s.OrphanedBlocks +
		s.StaleBlockRows + s.StaleMappings + s.Errors
}

// CheckAll runs the consistency check for every user with an active
// calendar. One user's failure never stops the others.
func (r *Reconciler) CheckAll(ctx context.Context) error {
	cals, err := r.repos.Calendars(r.db).ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active calendars: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SyncWorkers)
	seen := make(map[int64]struct{}, len(cals))
	for _, c := range cals {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		userID := c.UserID
		g.Go(func() error {
			if err := r.CheckUser(ctx, userID); err != nil {
				r.logger.Error(ctx, "consistency check failed", "user", userID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CheckUser verifies every live mapping of one user against the remote
// calendars and repairs what it can: origins gone remotely are retired, a
// missing main copy is recreated from the still-present origin, block rows
// whose remote object a user removed are dropped, and blocks of soft-deleted
// mappings are cleaned up remote-first.
func (r *Reconciler) CheckUser(ctx context.Context, userID int64) error {
	rows, err := r.repos.Calendars(r.db).ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list user calendars: %w", err)
	}
	all := make([]models.Calendar, 0, len(rows))
	for _, c := range rows {
		all = append(all, *c)
	}
	var main *models.Calendar
	for i := range all {
		if all[i].Role == models.RoleMain {
			main = &all[i]
			break
		}
	}
	if main == nil {
		return nil
	}

	clients := newClientCache(r.provider)
	mainClient, err := clients.ClientFor(ctx, userID, main.AccountEmail)
	if err != nil {
		return fmt.Errorf("main client: %w", err)
	}

	live, err := r.repos.Mappings(r.db).ListByUser(ctx, userID, false)
	if err != nil {
		return fmt.Errorf("list mappings: %w", err)
	}

	var stats checkStats
	for _, m := range live {
		origin := calendarIn(all, m.OriginCalendarID)
		if origin == nil || !origin.IsActive {
			continue
		}
		if err := r.checkMapping(ctx, clients, mainClient, origin, main, all, m, &stats); err != nil {
			r.logger.Warn(ctx, "mapping check failed", "user", userID, "mapping", m.ID, "error", err)
			stats.Errors++
		}
	}

	r.sweepDeletedMappingBlocks(ctx, clients, userID, all, &stats)

	r.logRun(ctx, userID, nil, "consistency_check", stats)
	r.raiseDiscrepancyAlert(ctx, userID, nil, stats)
	r.logger.Info(ctx, "consistency check finished", "user", userID,
		"mappings", stats.Mappings, "repaired", stats.discrepancies()-stats.Errors, "errors", stats.Errors)
	return nil
}

func (r *Reconciler) checkMapping(ctx context.Context, clients *clientCache, mainClient gcal.Client, origin, main *models.Calendar, all []models.Calendar, m *models.EventMapping, stats *checkStats) error {
	stats.Mappings++

	client, err := clients.ClientFor(ctx, m.UserID, origin.AccountEmail)
	if err != nil {
		return err
	}
	ev, err := client.GetEvent(ctx, origin.RemoteID, m.OriginEventID)
	if gcal.IsNotFound(err) {
		ev, err = nil, nil
	}
	if err != nil {
		return err
	}

	if ev == nil || ev.Cancelled() {
		return r.retireMapping(ctx, clients, mainClient, main, all, m, stats)
	}

	// Instance copies are never recreated standalone; they live and die with
	// their series object.
	if m.MainEventID != "" && m.OriginRecurringEventID == "" {
		copyEv, err := mainClient.GetEvent(ctx, main.RemoteID, m.MainEventID)
		if gcal.IsNotFound(err) {
			copyEv, err = nil, nil
		}
		if err != nil {
			return err
		}
		if copyEv == nil || copyEv.Cancelled() {
			if err := r.recreateCopy(ctx, mainClient, origin, main, m, ev); err != nil {
				return err
			}
			stats.RecreatedCopies++
		}
	}

	blocks, err := r.repos.Mappings(r.db).ListBlocks(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("list blocks: %w", err)
	}
	for _, b := range blocks {
		cal := calendarIn(all, b.CalendarID)
		if cal == nil || !cal.IsActive {
			continue
		}
		bc, err := clients.ClientFor(ctx, m.UserID, cal.AccountEmail)
		if err != nil {
			return err
		}
		bev, err := bc.GetEvent(ctx, cal.RemoteID, b.RemoteEventID)
		if gcal.IsNotFound(err) {
			bev, err = nil, nil
		}
		if err != nil {
			r.logger.Warn(ctx, "cannot verify busy block, skipping", "block", b.ID, "error", err)
			stats.Skipped++
			continue
		}
		if bev == nil || bev.Cancelled() {
			// The user removed the block by hand; respect that and drop the
			// row instead of recreating the event.
			if err := r.repos.Mappings(r.db).DeleteBlock(ctx, b.ID); err != nil {
				return fmt.Errorf("delete stale block row: %w", err)
			}
			stats.StaleBlockRows++
			r.logger.Info(ctx, "dropped stale busy block row", "block", b.ID, "calendar", cal.ID)
		}
	}
	return nil
}

// recreateCopy rebuilds a missing main-calendar object from the live origin
// event and repoints the mapping at the new id. The copy body is a pure
// function of the origin, so the stored fingerprints stay valid.
func (r *Reconciler) recreateCopy(ctx context.Context, mainClient gcal.Client, origin, main *models.Calendar, m *models.EventMapping, ev *gcal.Event) error {
	var data *gcal.EventData
	if origin.Role == models.RolePersonal {
		data = gcal.BusyBlockBody(ev, r.rules.PersonalBusyBlockTitle, r.rules.ManagedEventPrefix)
	} else {
		label := gcal.SourceLabel(origin.DisplayName, origin.RemoteID, origin.AccountEmail)
		data = gcal.CopyForMain(ev, label, origin.ColorID, r.rules.ManagedEventPrefix)
	}

	created, err := mainClient.CreateEvent(ctx, main.RemoteID, data)
	if err != nil {
		return fmt.Errorf("recreate copy: %w", err)
	}
	if err := r.repos.Mappings(r.db).SetMainEvent(ctx, m.ID, created.ID); err != nil {
		return fmt.Errorf("repoint mapping: %w", err)
	}
	r.logger.Info(ctx, "recreated missing main copy",
		"mapping", m.ID, "was", m.MainEventID, "now", created.ID)
	return nil
}

// retireMapping tears down what remains of a mapping whose origin is gone.
// Remote deletes run first; one transaction then removes exactly the
// confirmed rows, and the mapping itself only once every remote object is
// confirmed gone. Anything unconfirmed is retried on the next run.
func (r *Reconciler) retireMapping(ctx context.Context, clients *clientCache, mainClient gcal.Client, main *models.Calendar, all []models.Calendar, m *models.EventMapping, stats *checkStats) error {
	allGone := true

	if m.MainEventID != "" {
		if err := mainClient.DeleteEvent(ctx, main.RemoteID, m.MainEventID); err != nil {
			r.logger.Warn(ctx, "orphaned copy delete failed", "mapping", m.ID, "error", err)
			allGone = false
		} else {
			stats.OrphanedCopies++
		}
	}

	blocks, err := r.repos.Mappings(r.db).ListBlocks(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("list blocks: %w", err)
	}
	var confirmed []int64
	for _, b := range blocks {
		cal := calendarIn(all, b.CalendarID)
		if cal == nil || !cal.IsActive {
			// Unreachable row: keep the mapping so the handle survives until
			// the calendar comes back or is purged.
			allGone = false
			continue
		}
		client, err := clients.ClientFor(ctx, m.UserID, cal.AccountEmail)
		if err != nil {
			allGone = false
			continue
		}
		if err := client.DeleteEvent(ctx, cal.RemoteID, b.RemoteEventID); err != nil {
			r.logger.Warn(ctx, "orphaned block delete failed", "block", b.ID, "error", err)
			allGone = false
			continue
		}
		confirmed = append(confirmed, b.ID)
		stats.OrphanedBlocks++
	}

	if len(confirmed) == 0 && !allGone {
		return nil
	}

	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := r.repos.Mappings(tx)
		for _, id := range confirmed {
			if err := repo.DeleteBlock(ctx, id); err != nil {
				return fmt.Errorf("delete block row: %w", err)
			}
		}
		if !allGone {
			return nil
		}
		if m.Recurring {
			if err := repo.SoftDelete(ctx, m.ID); err != nil {
				return fmt.Errorf("soft delete mapping: %w", err)
			}
			if m.OriginRecurringEventID == "" {
				return cascadeChildren(ctx, repo, m)
			}
			return nil
		}
		if err := repo.Delete(ctx, m.ID); err != nil {
			return fmt.Errorf("delete mapping: %w", err)
		}
		return nil
	})
}

// sweepDeletedMappingBlocks cleans up block rows whose mapping is already
// soft-deleted, which happens when a teardown could not reach the block's
// calendar. Remote delete first: dropping the row early would leave a
// permanent ghost block on the calendar.
func (r *Reconciler) sweepDeletedMappingBlocks(ctx context.Context, clients *clientCache, userID int64, all []models.Calendar, stats *checkStats) {
	repo := r.repos.Mappings(r.db)
	rows, err := repo.ListBlocksOfDeletedMappings(ctx, userID)
	if err != nil {
		r.logger.Warn(ctx, "list blocks of deleted mappings", "user", userID, "error", err)
		stats.Errors++
		return
	}
	for _, b := range rows {
		cal := calendarIn(all, b.CalendarID)
		if cal == nil || !cal.IsActive {
			continue
		}
		client, err := clients.ClientFor(ctx, userID, cal.AccountEmail)
		if err != nil {
			stats.Errors++
			continue
		}
		if err := client.DeleteEvent(ctx, cal.RemoteID, b.RemoteEventID); err != nil {
			r.logger.Warn(ctx, "orphaned block delete failed", "block", b.ID, "error", err)
			stats.Errors++
			continue
		}
		if err := repo.DeleteBlock(ctx, b.ID); err != nil {
			r.logger.Warn(ctx, "orphaned block row delete failed", "block", b.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.OrphanedBlocks++
	}
}

// ReconcileCalendar diffs one calendar's full listing against the store.
// For origin calendars, mappings whose origin id is absent from the listing
// are verified individually before being retired: a series listing never
// contains forked instance ids, so absence alone proves nothing. For the
// main calendar, managed objects no mapping claims are deleted; they are
// what a plan that crashed between create and commit leaves behind.
func (r *Reconciler) ReconcileCalendar(ctx context.Context, calendarID int64) error {
	cal, err := r.repos.Calendars(r.db).GetByID(ctx, calendarID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return fmt.Errorf("load calendar: %w", err)
	}
	if !cal.IsActive {
		return nil
	}

	rows, err := r.repos.Calendars(r.db).ListByUser(ctx, cal.UserID)
	if err != nil {
		return fmt.Errorf("list user calendars: %w", err)
	}
	all := make([]models.Calendar, 0, len(rows))
	for _, c := range rows {
		all = append(all, *c)
	}
	var main *models.Calendar
	for i := range all {
		if all[i].Role == models.RoleMain {
			main = &all[i]
			break
		}
	}
	if main == nil {
		return nil
	}

	clients := newClientCache(r.provider)
	client, err := clients.ClientFor(ctx, cal.UserID, cal.AccountEmail)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}

	set, err := client.ListChanges(ctx, cal.RemoteID, "")
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	var stats checkStats
	stats.EventsFound = len(set.Changes)

	if cal.Role == models.RoleMain {
		r.sweepOrphanCopies(ctx, client, cal, set, &stats)
	} else if err := r.retireStaleMappings(ctx, clients, client, cal, main, all, set, &stats); err != nil {
		return err
	}

	r.logRun(ctx, cal.UserID, &cal.ID, "reconcile", stats)
	r.raiseDiscrepancyAlert(ctx, cal.UserID, &cal.ID, stats)
	r.logger.Info(ctx, "reconcile finished", "calendar", cal.ID,
		"events", stats.EventsFound, "stale_mappings", stats.StaleMappings,
		"orphaned_copies", stats.OrphanedCopies, "errors", stats.Errors)
	return nil
}

func (r *Reconciler) retireStaleMappings(ctx context.Context, clients *clientCache, client gcal.Client, cal, main *models.Calendar, all []models.Calendar, set *gcal.ChangeSet, stats *checkStats) error {
	current := make(map[string]struct{}, len(set.Changes))
	for _, ch := range set.Changes {
		e := ch.Event
		if e.Cancelled() || r.rules.managed(e) {
			continue
		}
		current[e.ID] = struct{}{}
	}

	mapped, err := r.repos.Mappings(r.db).ListByOriginCalendar(ctx, cal.ID, false)
	if err != nil {
		return fmt.Errorf("list mappings: %w", err)
	}

	mainClient, err := clients.ClientFor(ctx, cal.UserID, main.AccountEmail)
	if err != nil {
		return fmt.Errorf("main client: %w", err)
	}

	for _, m := range mapped {
		if _, ok := current[m.OriginEventID]; ok {
			continue
		}
		ev, err := client.GetEvent(ctx, cal.RemoteID, m.OriginEventID)
		if gcal.IsNotFound(err) {
			ev, err = nil, nil
		}
		if err != nil {
			r.logger.Warn(ctx, "cannot verify origin event, skipping",
				"mapping", m.ID, "event", m.OriginEventID, "error", err)
			stats.Skipped++
			continue
		}
		if ev != nil && !ev.Cancelled() {
			// Present after all: a forked instance or an event outside the
			// listing window.
			continue
		}
		if err := r.retireMapping(ctx, clients, mainClient, main, all, m, stats); err != nil {
			r.logger.Warn(ctx, "retire failed", "mapping", m.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.StaleMappings++
	}
	return nil
}

// sweepOrphanCopies removes managed objects on the main calendar that no
// mapping claims, live or tombstoned with a confirmed teardown pending.
func (r *Reconciler) sweepOrphanCopies(ctx context.Context, client gcal.Client, cal *models.Calendar, set *gcal.ChangeSet, stats *checkStats) {
	repo := r.repos.Mappings(r.db)
	for _, ch := range set.Changes {
		e := ch.Event
		if e.Cancelled() || !r.rules.managed(e) {
			continue
		}
		// Instances belong to their series object.
		if e.RecurringEventID != "" {
			continue
		}
		m, err := repo.GetByMainEvent(ctx, cal.UserID, e.ID)
		switch {
		case err == nil && !m.Deleted():
			continue
		case err != nil && !errors.Is(err, common.ErrorNotFound):
			r.logger.Warn(ctx, "mapping lookup failed", "event", e.ID, "error", err)
			stats.Errors++
			continue
		}
		if err := client.DeleteEvent(ctx, cal.RemoteID, e.ID); err != nil {
			r.logger.Warn(ctx, "orphaned managed object delete failed", "event", e.ID, "error", err)
			stats.Errors++
			continue
		}
		stats.OrphanedCopies++
		r.logger.Info(ctx, "deleted unclaimed managed object", "calendar", cal.ID, "event", e.ID)
	}
}

func (r *Reconciler) logRun(ctx context.Context, userID int64, calendarID *int64, action string, stats checkStats) {
	payload, err := json.Marshal(stats)
	if err != nil {
		payload = []byte("{}")
	}
	status := models.SyncLogStatusSuccess
	if stats.Errors > 0 {
		status = models.SyncLogStatusFailure
	}
	entry := &models.SyncLogEntry{
		UserID:     userID,
		CalendarID: calendarID,
		Action:     action,
		Status:     status,
		Details:    string(payload),
	}
	if err := r.repos.SyncLog(r.db).Append(ctx, entry); err != nil {
		r.logger.Warn(ctx, "sync log append failed", "user", userID, "error", err)
	}
}

func (r *Reconciler) raiseDiscrepancyAlert(ctx context.Context, userID int64, calendarID *int64, stats checkStats) {
	if stats.discrepancies() == 0 {
		return
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		payload = []byte("{}")
	}
	a := &models.Alert{
		UserID:     userID,
		CalendarID: calendarID,
		Kind:       models.AlertReconciliationDiscrepancy,
		Detail:     string(payload),
	}
	if _, err := r.repos.Alerts(r.db).Enqueue(ctx, a); err != nil {
		r.logger.Error(ctx, "enqueue alert", "user", userID, "error", err)
	}
}
