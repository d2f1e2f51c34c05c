// Package services holds the calendar lifecycle operations that sit above
// the sync engine: connecting and disconnecting calendars, pausing sync, and
// the startup sweep of unclaimed managed events. The sync passes themselves
// live in internal/server/sync.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/gcal"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/busybridge/internal/server/sync"
	"github.com/dmitrijs2005/busybridge/internal/server/tokens"
)

var (
	// ErrMainRequired means a client or personal calendar was connected
	// before the user's main calendar.
	ErrMainRequired = errors.New("user has no main calendar")
	// ErrMainExists rejects a second main calendar for the same user.
	ErrMainExists = errors.New("user already has a main calendar")
	// ErrMainCalendar rejects disconnecting the main calendar; it can only
	// be removed together with the user.
	ErrMainCalendar = errors.New("main calendar cannot be disconnected")
)

// SyncRequester queues a sync pass. Satisfied by *sync.Orchestrator.
type SyncRequester interface {
	RequestSync(ctx context.Context, calendarID int64, reason string)
}

// ChannelRegistrar maintains push notification channels. Satisfied by
// *webhooks.Registrar.
type ChannelRegistrar interface {
	EnsureChannel(ctx context.Context, cal *models.Calendar) error
	StopAll(ctx context.Context, cal *models.Calendar) error
}

// CalendarService implements connect, disconnect, pause/resume and the
// managed-event sweep.
type CalendarService struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	provider  tokens.ClientFactory
	registrar ChannelRegistrar
	syncer    SyncRequester
	logger    logging.Logger
}

func NewCalendarService(db *sql.DB, repos repomanager.RepositoryManager, provider tokens.ClientFactory,
	registrar ChannelRegistrar, syncer SyncRequester, logger logging.Logger) *CalendarService {
	return &CalendarService{
		db:        db,
		repos:     repos,
		provider:  provider,
		registrar: registrar,
		syncer:    syncer,
		logger:    logger.With("module", "calendar_service"),
	}
}

// ConnectMain registers the user's aggregation calendar. It must exist
// before any client or personal calendar is connected.
func (s *CalendarService) ConnectMain(ctx context.Context, userID int64, accountEmail, remoteID string) (*models.Calendar, error) {
	_, err := s.repos.Calendars(s.db).MainForUser(ctx, userID)
	if err == nil {
		return nil, ErrMainExists
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("main calendar lookup: %w", err)
	}
	return s.connect(ctx, userID, accountEmail, remoteID, "", models.RoleMain)
}

// ConnectClient connects a work calendar: its events get full-detail copies
// on main, and busy blocks from elsewhere land on it.
func (s *CalendarService) ConnectClient(ctx context.Context, userID int64, accountEmail, remoteID, displayName string) (*models.Calendar, error) {
	if err := s.requireMain(ctx, userID, accountEmail, remoteID); err != nil {
		return nil, err
	}
	return s.connect(ctx, userID, accountEmail, remoteID, displayName, models.RoleClient)
}

// ConnectPersonal connects a read-only origin calendar. Its events flow out
// as opaque blocks; nothing is ever written to it.
func (s *CalendarService) ConnectPersonal(ctx context.Context, userID int64, accountEmail, remoteID, displayName string) (*models.Calendar, error) {
	if err := s.requireMain(ctx, userID, accountEmail, remoteID); err != nil {
		return nil, err
	}
	return s.connect(ctx, userID, accountEmail, remoteID, displayName, models.RolePersonal)
}

func (s *CalendarService) requireMain(ctx context.Context, userID int64, accountEmail, remoteID string) error {
	main, err := s.repos.Calendars(s.db).MainForUser(ctx, userID)
	if errors.Is(err, common.ErrorNotFound) {
		return ErrMainRequired
	}
	if err != nil {
		return fmt.Errorf("main calendar lookup: %w", err)
	}
	if main.AccountEmail == accountEmail && main.RemoteID == remoteID {
		return common.ErrorAlreadyExists
	}
	return nil
}

func (s *CalendarService) connect(ctx context.Context, userID int64, accountEmail, remoteID, displayName string, role models.CalendarRole) (*models.Calendar, error) {
	cr := s.repos.Calendars(s.db)

	existing, err := cr.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	for _, c := range existing {
		if c.IsActive && c.AccountEmail == accountEmail && c.RemoteID == remoteID {
			return nil, common.ErrorAlreadyExists
		}
	}

	// Confirm we can actually reach the calendar before creating any state.
	client, err := s.provider.ClientFor(ctx, userID, accountEmail)
	if err != nil {
		return nil, fmt.Errorf("calendar client: %w", err)
	}
	info, err := client.GetCalendar(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("verify calendar access: %w", err)
	}
	if displayName == "" {
		displayName = info.Summary
	}

	cal, err := cr.Create(ctx, &models.Calendar{
		UserID:       userID,
		Role:         role,
		AccountEmail: accountEmail,
		RemoteID:     remoteID,
		DisplayName:  displayName,
		IsActive:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create calendar: %w", err)
	}

	// Personal calendars are origin-only but still watched: their changes
	// have to fan busy blocks out. A failed registration is not fatal, the
	// poll covers the calendar until renewal succeeds.
	if err := s.registrar.EnsureChannel(ctx, cal); err != nil {
		s.logger.Warn(ctx, "webhook registration failed, polling will cover", "calendar", cal.ID, "error", err)
	}

	s.syncer.RequestSync(ctx, cal.ID, sync.ReasonInitial)
	s.logger.Info(ctx, "calendar connected", "calendar", cal.ID, "role", string(role), "remote_id", remoteID)
	return cal, nil
}

// Disconnect deactivates the calendar and cleans up everything the engine
// created for it: busy blocks sitting on it, and the main copies plus
// fanned-out blocks of events that originated on it. Rows are deleted only
// after the matching remote object is confirmed gone; anything left behind
// stays in the store for the reconciler and is reported in the returned
// error.
func (s *CalendarService) Disconnect(ctx context.Context, calendarID int64) error {
	cr := s.repos.Calendars(s.db)
	cal, err := cr.GetByID(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("load calendar: %w", err)
	}
	if cal.Role == models.RoleMain {
		return ErrMainCalendar
	}

	// No new notifications or passes once the cleanup starts.
	if err := s.registrar.StopAll(ctx, cal); err != nil {
		s.logger.Warn(ctx, "stopping webhook channel failed", "calendar", cal.ID, "error", err)
	}
	if err := cr.MarkDisconnected(ctx, cal.ID); err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}

	var failures int
	s.removeBlocksOn(ctx, cal, &failures)
	s.removeOriginMappings(ctx, cal, &failures)

	s.logger.Info(ctx, "calendar disconnected", "calendar", cal.ID, "leftovers", failures)
	if failures > 0 {
		return fmt.Errorf("disconnect cleanup incomplete: %d remote objects left for the reconciler", failures)
	}
	return nil
}

// removeBlocksOn deletes the busy blocks other origins placed on cal.
func (s *CalendarService) removeBlocksOn(ctx context.Context, cal *models.Calendar, failures *int) {
	mr := s.repos.Mappings(s.db)
	blocks, err := mr.ListBlocksByCalendar(ctx, cal.ID)
	if err != nil {
		s.logger.Error(ctx, "listing busy blocks failed", "calendar", cal.ID, "error", err)
		*failures++
		return
	}
	if len(blocks) == 0 {
		return
	}

	client, err := s.provider.ClientFor(ctx, cal.UserID, cal.AccountEmail)
	if err != nil {
		s.logger.Error(ctx, "calendar client failed", "calendar", cal.ID, "error", err)
		*failures += len(blocks)
		return
	}

	var confirmed []int64
	for _, b := range blocks {
		if err := client.DeleteEvent(ctx, cal.RemoteID, b.RemoteEventID); err != nil {
			s.logger.Warn(ctx, "busy block delete failed", "calendar", cal.ID, "event", b.RemoteEventID, "error", err)
			*failures++
			continue
		}
		confirmed = append(confirmed, b.ID)
	}
	if len(confirmed) == 0 {
		return
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Mappings(tx)
		for _, id := range confirmed {
			if err := repo.DeleteBlock(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error(ctx, "busy block row cleanup failed", "calendar", cal.ID, "error", err)
	}
}

// removeOriginMappings tears down every mapping originating on cal: the main
// copy, the blocks fanned out to other calendars, then the rows. A mapping
// row is dropped only when every remote object it tracked is confirmed gone.
func (s *CalendarService) removeOriginMappings(ctx context.Context, cal *models.Calendar, failures *int) {
	mr := s.repos.Mappings(s.db)
	rows, err := mr.ListByOriginCalendar(ctx, cal.ID, true)
	if err != nil {
		s.logger.Error(ctx, "listing origin mappings failed", "calendar", cal.ID, "error", err)
		*failures++
		return
	}
	if len(rows) == 0 {
		return
	}

	all, err := s.repos.Calendars(s.db).ListByUser(ctx, cal.UserID)
	if err != nil {
		s.logger.Error(ctx, "listing user calendars failed", "user", cal.UserID, "error", err)
		*failures += len(rows)
		return
	}
	byID := make(map[int64]*models.Calendar, len(all))
	var main *models.Calendar
	for _, c := range all {
		byID[c.ID] = c
		if c.Role == models.RoleMain {
			main = c
		}
	}

	clients := make(map[string]gcal.Client)
	clientFor := func(accountEmail string) (gcal.Client, error) {
		if c, ok := clients[accountEmail]; ok {
			return c, nil
		}
		c, err := s.provider.ClientFor(ctx, cal.UserID, accountEmail)
		if err != nil {
			return nil, err
		}
		clients[accountEmail] = c
		return c, nil
	}

	for _, m := range rows {
		clean := true

		if m.MainEventID != "" && main != nil {
			mc, err := clientFor(main.AccountEmail)
			if err == nil {
				err = mc.DeleteEvent(ctx, main.RemoteID, m.MainEventID)
			}
			if err != nil {
				s.logger.Warn(ctx, "main copy delete failed", "mapping", m.ID, "event", m.MainEventID, "error", err)
				clean = false
			}
		}

		blocks, err := mr.ListBlocks(ctx, m.ID)
		if err != nil {
			s.logger.Error(ctx, "listing busy blocks failed", "mapping", m.ID, "error", err)
			*failures++
			continue
		}
		var confirmed []int64
		for _, b := range blocks {
			target, ok := byID[b.CalendarID]
			if !ok {
				confirmed = append(confirmed, b.ID)
				continue
			}
			bc, err := clientFor(target.AccountEmail)
			if err == nil {
				err = bc.DeleteEvent(ctx, target.RemoteID, b.RemoteEventID)
			}
			if err != nil {
				s.logger.Warn(ctx, "busy block delete failed", "mapping", m.ID, "calendar", target.ID, "error", err)
				clean = false
				continue
			}
			confirmed = append(confirmed, b.ID)
		}

		if len(confirmed) > 0 || clean {
			err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
				repo := s.repos.Mappings(tx)
				for _, id := range confirmed {
					if err := repo.DeleteBlock(ctx, id); err != nil {
						return err
					}
				}
				if clean {
					return repo.Delete(ctx, m.ID)
				}
				return nil
			})
			if err != nil {
				s.logger.Error(ctx, "mapping row cleanup failed", "mapping", m.ID, "error", err)
				clean = false
			}
		}
		if !clean {
			*failures++
		}
	}
}

// PauseSync stops sync passes for the calendar without touching any remote
// state. Already-created copies and blocks stay in place.
func (s *CalendarService) PauseSync(ctx context.Context, calendarID int64) error {
	return s.repos.Calendars(s.db).SetActive(ctx, calendarID, false)
}

// ResumeSync reactivates the calendar, re-establishes its push channel and
// queues a catch-up pass.
func (s *CalendarService) ResumeSync(ctx context.Context, calendarID int64) error {
	cr := s.repos.Calendars(s.db)
	if err := cr.SetActive(ctx, calendarID, true); err != nil {
		return err
	}
	cal, err := cr.GetByID(ctx, calendarID)
	if err != nil {
		return fmt.Errorf("load calendar: %w", err)
	}
	if err := s.registrar.EnsureChannel(ctx, cal); err != nil {
		s.logger.Warn(ctx, "webhook registration failed, polling will cover", "calendar", cal.ID, "error", err)
	}
	s.syncer.RequestSync(ctx, calendarID, sync.ReasonManual)
	return nil
}

// SweepManagedEvents removes managed events on the user's calendars that no
// mapping or block row claims. Those are leftovers of crashes between a
// remote create and its store commit; everything the store knows about is
// left to the reconciler. Returns the number of events removed.
func (s *CalendarService) SweepManagedEvents(ctx context.Context, userID int64) (int, error) {
	cals, err := s.repos.Calendars(s.db).ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list calendars: %w", err)
	}
	mr := s.repos.Mappings(s.db)
	// Soft-deleted mappings still claim their remote objects until the
	// reconciler confirms the teardown, so tombstones count as claims here.
	rows, err := mr.ListByUser(ctx, userID, true)
	if err != nil {
		return 0, fmt.Errorf("list mappings: %w", err)
	}

	var main *models.Calendar
	for _, c := range cals {
		if c.Role == models.RoleMain {
			main = c
		}
	}

	claimed := make(map[string]struct{})
	key := func(calendarID int64, eventID string) string {
		return fmt.Sprintf("%d/%s", calendarID, eventID)
	}
	for _, m := range rows {
		if m.MainEventID != "" && main != nil {
			claimed[key(main.ID, m.MainEventID)] = struct{}{}
		}
		blocks, err := mr.ListBlocks(ctx, m.ID)
		if err != nil {
			return 0, fmt.Errorf("list busy blocks: %w", err)
		}
		for _, b := range blocks {
			claimed[key(b.CalendarID, b.RemoteEventID)] = struct{}{}
		}
	}

	removed := 0
	for _, cal := range cals {
		client, err := s.provider.ClientFor(ctx, userID, cal.AccountEmail)
		if err != nil {
			s.logger.Error(ctx, "calendar client failed", "calendar", cal.ID, "error", err)
			continue
		}
		set, err := client.ListChanges(ctx, cal.RemoteID, "")
		if err != nil {
			s.logger.Error(ctx, "full listing failed", "calendar", cal.ID, "error", err)
			continue
		}
		for _, ch := range set.Changes {
			if ch.Kind == gcal.ChangeDeleted || ch.Kind == gcal.ChangeCancelled {
				continue
			}
			if !client.IsManaged(ch.Event) {
				continue
			}
			if _, ok := claimed[key(cal.ID, ch.Event.ID)]; ok {
				continue
			}
			if err := client.DeleteEvent(ctx, cal.RemoteID, ch.Event.ID); err != nil {
				s.logger.Warn(ctx, "orphan managed event delete failed", "calendar", cal.ID, "event", ch.Event.ID, "error", err)
				continue
			}
			s.logger.Info(ctx, "removed unclaimed managed event", "calendar", cal.ID, "event", ch.Event.ID)
			removed++
		}
	}
	return removed, nil
}
