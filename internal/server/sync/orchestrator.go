package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/gcal"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/busybridge/internal/server/tokens"
)

// Reasons a pass is requested. Logged for the sync trail, never branched on.
const (
	ReasonWebhook = "webhook"
	ReasonPoll    = "poll"
	ReasonManual  = "manual"
	ReasonInitial = "initial"
)

const (
	queueCapacity         = 256
	failureAlertThreshold = 5
)

type syncRequest struct {
	calendarID int64
	reason     string
}

// Orchestrator turns change notifications into sync passes: one calendar per
// pass, single-flight across processes via the lease lock, bounded by a
// worker pool and a global pass limiter.
type Orchestrator struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	provider tokens.ClientFactory
	exec     *Executor
	rules    Rules
	cfg      *config.Config
	logger   logging.Logger
	// instance identifies this process as a lock owner.
	instance string

	mu      sync.Mutex
	pending map[int64]struct{}
	queue   chan syncRequest
	sem     *semaphore.Weighted
}

func NewOrchestrator(db *sql.DB, repos repomanager.RepositoryManager, provider tokens.ClientFactory, cfg *config.Config, logger logging.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		repos:    repos,
		provider: provider,
		exec:     NewExecutor(db, repos, logger),
		rules:    NewRules(cfg),
		cfg:      cfg,
		logger:   logger.With("component", "sync"),
		instance: uuid.NewString(),
		pending:  make(map[int64]struct{}),
		queue:    make(chan syncRequest, queueCapacity),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentPasses)),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.SyncWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}
	wg.Wait()
}

// RequestSync queues a pass for the calendar. Requests for an already queued
// calendar coalesce into one; a full queue drops the request, which is safe
// because the periodic poll re-requests every active calendar.
func (o *Orchestrator) RequestSync(ctx context.Context, calendarID int64, reason string) {
	o.mu.Lock()
	if _, queued := o.pending[calendarID]; queued {
		o.mu.Unlock()
		return
	}
	o.pending[calendarID] = struct{}{}
	o.mu.Unlock()

	select {
	case o.queue <- syncRequest{calendarID: calendarID, reason: reason}:
		o.logger.Debug(ctx, "sync requested", "calendar", calendarID, "reason", reason)
	default:
		o.mu.Lock()
		delete(o.pending, calendarID)
		o.mu.Unlock()
		o.logger.Warn(ctx, "sync queue full, dropping request", "calendar", calendarID, "reason", reason)
	}
}

// SyncAll queues a pass for every active calendar.
func (o *Orchestrator) SyncAll(ctx context.Context) error {
	cals, err := o.repos.Calendars(o.db).ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active calendars: %w", err)
	}
	for _, c := range cals {
		o.RequestSync(ctx, c.ID, ReasonPoll)
	}
	return nil
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.queue:
			// Off the pending set before the pass starts: a change arriving
			// mid-pass must queue a fresh pass.
			o.mu.Lock()
			delete(o.pending, req.calendarID)
			o.mu.Unlock()

			if err := o.sem.Acquire(ctx, 1); err != nil {
				return
			}
			if err := o.syncCalendar(ctx, req); err != nil {
				o.logger.Error(ctx, "sync pass failed",
					"calendar", req.calendarID, "reason", req.reason, "error", err)
			}
			o.sem.Release(1)
		}
	}
}

func (o *Orchestrator) syncCalendar(ctx context.Context, req syncRequest) error {
	name := fmt.Sprintf("calendar:%d", req.calendarID)
	locks := o.repos.Locks(o.db)
	if err := locks.Acquire(ctx, name, o.instance, o.cfg.LockTTL); err != nil {
		if errors.Is(err, common.ErrLockHeld) {
			o.logger.Debug(ctx, "pass running elsewhere, skipping", "calendar", req.calendarID)
			return nil
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := locks.Release(ctx, name, o.instance); err != nil {
			o.logger.Debug(ctx, "lock release failed, lease will expire",
				"calendar", req.calendarID, "error", err)
		}
	}()

	cal, err := o.repos.Calendars(o.db).GetByID(ctx, req.calendarID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		return fmt.Errorf("load calendar: %w", err)
	}
	if !cal.IsActive {
		o.logger.Debug(ctx, "calendar inactive, skipping", "calendar", cal.ID)
		return nil
	}

	passCtx, cancel := context.WithTimeout(ctx, o.cfg.PassBudget)
	defer cancel()
	return o.runPass(passCtx, cal, req.reason)
}

func (o *Orchestrator) runPass(ctx context.Context, cal *models.Calendar, reason string) error {
	log := o.logger.With("calendar", cal.ID, "role", string(cal.Role), "user", cal.UserID)

	rows, err := o.repos.Calendars(o.db).ListByUser(ctx, cal.UserID)
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
		log.Warn(ctx, "user has no main calendar, skipping pass")
		return nil
	}

	clients := newClientCache(o.provider)
	client, err := clients.ClientFor(ctx, cal.UserID, cal.AccountEmail)
	if err != nil {
		return o.passFailed(ctx, cal, fmt.Errorf("client: %w", err))
	}

	fullSync := cal.Cursor == ""
	set, err := client.ListChanges(ctx, cal.RemoteID, cal.Cursor)
	if err != nil {
		return o.passFailed(ctx, cal, err)
	}
	if set.FullResyncRequired {
		fullSync = true
		log.Info(ctx, "cursor expired, relisting full window")
		set, err = client.ListChanges(ctx, cal.RemoteID, "")
		if err != nil {
			return o.passFailed(ctx, cal, err)
		}
	}

	// Series and standalone events first: an instance exception arriving in
	// the same batch as its series must find the parent mapping committed.
	var primaries, instances []gcal.Change
	for _, ch := range set.Changes {
		if ch.Event.IsException() {
			instances = append(instances, ch)
		} else {
			primaries = append(primaries, ch)
		}
	}

	stats := passDetails{Events: len(set.Changes), FullSync: fullSync, Reason: reason}
	for _, group := range [][]gcal.Change{primaries, instances} {
		for _, ch := range group {
			obs, err := o.buildObservation(ctx, *cal, *main, all, ch)
			if err != nil {
				return o.passFailed(ctx, cal, err)
			}
			plan, err := o.rules.BuildPlan(obs)
			if err != nil {
				log.Warn(ctx, "unusable change skipped", "event", ch.Event.ID, "error", err)
				stats.Skipped++
				continue
			}
			if len(plan.Steps) == 0 {
				stats.Noop++
				continue
			}
			if err := o.exec.Execute(ctx, clients, cal.UserID, plan); err != nil {
				if gcal.ClassOf(err) == gcal.Validation {
					log.Warn(ctx, "event rejected by remote, skipped", "event", ch.Event.ID, "error", err)
					stats.Skipped++
					continue
				}
				return o.passFailed(ctx, cal, err)
			}
			stats.Synced++
			stats.RemoteOps += plan.RemoteOps()
		}
	}

	if err := o.repos.Calendars(o.db).CommitCursor(ctx, cal.ID, set.NextCursor, fullSync); err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	o.logPass(ctx, cal, models.SyncLogStatusSuccess, stats)
	log.Info(ctx, "sync pass finished", "events", stats.Events, "synced", stats.Synced,
		"noop", stats.Noop, "skipped", stats.Skipped, "remote_ops", stats.RemoteOps, "full_sync", fullSync)
	return nil
}

// buildObservation assembles the store context for one change: the mapping
// (by origin identity, then by main event id for changes seen on main), its
// blocks, and for instance exceptions the series mapping and its blocks.
func (o *Orchestrator) buildObservation(ctx context.Context, origin, main models.Calendar, all []models.Calendar, ch gcal.Change) (Observation, error) {
	obs := Observation{Change: ch, Origin: origin, Main: main, Calendars: all}
	e := ch.Event
	repo := o.repos.Mappings(o.db)

	m, err := repo.GetByOrigin(ctx, origin.UserID, origin.ID, e.ID)
	switch {
	case err == nil:
		obs.Mapping = m
	case errors.Is(err, common.ErrorNotFound):
	default:
		return obs, fmt.Errorf("mapping by origin: %w", err)
	}

	if obs.Mapping == nil && origin.ID == main.ID {
		m, err = repo.GetByMainEvent(ctx, origin.UserID, e.ID)
		switch {
		case err == nil:
			obs.Mapping = m
			obs.CopyOrigin = calendarIn(all, m.OriginCalendarID)
		case errors.Is(err, common.ErrorNotFound):
		default:
			return obs, fmt.Errorf("mapping by main event: %w", err)
		}
	}

	if obs.Mapping != nil {
		blocks, err := repo.ListBlocks(ctx, obs.Mapping.ID)
		if err != nil {
			return obs, fmt.Errorf("list blocks: %w", err)
		}
		obs.Blocks = derefBlocks(blocks)
	}

	if e.IsException() {
		p, err := repo.GetByOrigin(ctx, origin.UserID, origin.ID, e.RecurringEventID)
		switch {
		case err == nil:
			obs.Parent = p
		case errors.Is(err, common.ErrorNotFound):
		default:
			return obs, fmt.Errorf("parent by origin: %w", err)
		}
		if obs.Parent == nil && origin.ID == main.ID {
			p, err = repo.GetByMainEvent(ctx, origin.UserID, e.RecurringEventID)
			switch {
			case err == nil:
				obs.Parent = p
				if obs.CopyOrigin == nil {
					obs.CopyOrigin = calendarIn(all, p.OriginCalendarID)
				}
			case errors.Is(err, common.ErrorNotFound):
			default:
				return obs, fmt.Errorf("parent by main event: %w", err)
			}
		}
		if obs.Parent != nil {
			blocks, err := repo.ListBlocks(ctx, obs.Parent.ID)
			if err != nil {
				return obs, fmt.Errorf("list parent blocks: %w", err)
			}
			obs.ParentBlocks = derefBlocks(blocks)
		}
	}
	return obs, nil
}

// passFailed applies the failure policy: the cursor never advances, the
// failure is counted, and permanent failures deactivate the calendar.
func (o *Orchestrator) passFailed(ctx context.Context, cal *models.Calendar, err error) error {
	count, rerr := o.repos.Calendars(o.db).RecordFailure(ctx, cal.ID, err.Error())
	if rerr != nil {
		o.logger.Error(ctx, "record failure", "calendar", cal.ID, "error", rerr)
	}

	if gcal.ClassOf(err) == gcal.Permanent {
		kind := models.AlertCalendarInaccessible
		if gcal.IsTokenRevoked(err) {
			kind = models.AlertTokenRevoked
		}
		if serr := o.repos.Calendars(o.db).SetActive(ctx, cal.ID, false); serr != nil {
			o.logger.Error(ctx, "deactivate calendar", "calendar", cal.ID, "error", serr)
		}
		o.enqueueAlert(ctx, cal, kind, err.Error())
	} else if count >= failureAlertThreshold {
		o.enqueueAlert(ctx, cal, models.AlertConsecutiveFailures,
			fmt.Sprintf("%d consecutive sync failures, last: %v", count, err))
	}

	o.logPass(ctx, cal, models.SyncLogStatusFailure, passDetails{Error: err.Error()})
	return err
}

func (o *Orchestrator) enqueueAlert(ctx context.Context, cal *models.Calendar, kind models.AlertKind, detail string) {
	a := &models.Alert{UserID: cal.UserID, CalendarID: &cal.ID, Kind: kind, Detail: detail}
	if _, err := o.repos.Alerts(o.db).Enqueue(ctx, a); err != nil {
		o.logger.Error(ctx, "enqueue alert", "calendar", cal.ID, "kind", string(kind), "error", err)
	}
}

// passDetails is the JSON document stored in the sync log.
type passDetails struct {
	Events    int    `json:"events"`
	Synced    int    `json:"synced"`
	Noop      int    `json:"noop"`
	Skipped   int    `json:"skipped"`
	RemoteOps int    `json:"remote_ops"`
	FullSync  bool   `json:"full_sync"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (o *Orchestrator) logPass(ctx context.Context, cal *models.Calendar, status string, details passDetails) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}
	entry := &models.SyncLogEntry{
		UserID:     cal.UserID,
		CalendarID: &cal.ID,
		Action:     "sync_calendar",
		Status:     status,
		Details:    string(payload),
	}
	if err := o.repos.SyncLog(o.db).Append(ctx, entry); err != nil {
		o.logger.Warn(ctx, "sync log append failed", "calendar", cal.ID, "error", err)
	}
}

func derefBlocks(rows []*models.BusyBlock) []models.BusyBlock {
	out := make([]models.BusyBlock, 0, len(rows))
	for _, b := range rows {
		out = append(out, *b)
	}
	return out
}

// clientCache memoizes clients per account for the duration of one pass so
// one pass refreshes each account's token at most once.
type clientCache struct {
	factory tokens.ClientFactory

	mu      sync.Mutex
	clients map[string]gcal.Client
}

func newClientCache(f tokens.ClientFactory) *clientCache {
	return &clientCache{factory: f, clients: make(map[string]gcal.Client)}
}

func (c *clientCache) ClientFor(ctx context.Context, userID int64, accountEmail string) (gcal.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[accountEmail]; ok {
		return cl, nil
	}
	cl, err := c.factory.ClientFor(ctx, userID, accountEmail)
	if err != nil {
		return nil, err
	}
	c.clients[accountEmail] = cl
	return cl, nil
}
