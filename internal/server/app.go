// Package server initializes and runs the BusyBridge daemon: it wires the
// mapping store, the token provider, the sync orchestrator and reconciler,
// the webhook surface and the periodic jobs, and handles graceful shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/alerts"
	"github.com/dmitrijs2005/busybridge/internal/server/backup"
	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/busybridge/internal/server/retention"
	"github.com/dmitrijs2005/busybridge/internal/server/scheduler"
	"github.com/dmitrijs2005/busybridge/internal/server/services"
	engine "github.com/dmitrijs2005/busybridge/internal/server/sync"
	"github.com/dmitrijs2005/busybridge/internal/server/tokens"
	"github.com/dmitrijs2005/busybridge/internal/server/webhooks"
)

// channelRenewalLead is how close to expiry a push channel gets before the
// renewal job replaces it.
const channelRenewalLead = 24 * time.Hour

type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB
	repos  repomanager.RepositoryManager

	orchestrator *engine.Orchestrator
	reconciler   *engine.Reconciler
	registrar    *webhooks.Registrar
	webhookSrv   *webhooks.Server
	calendars    *services.CalendarService
	scheduler    *scheduler.Scheduler
}

func NewApp(c *config.Config, logger logging.Logger) (*App, error) {
	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos, err := repomanager.NewPostgresRepositoryManager(db)
	if err != nil {
		return nil, fmt.Errorf("repository init error: %w", err)
	}

	provider := tokens.NewProvider(db, repos, c, logger)
	orchestrator := engine.NewOrchestrator(db, repos, provider, c, logger)
	reconciler := engine.NewReconciler(db, repos, provider, c, logger)
	registrar := webhooks.NewRegistrar(db, repos, provider, c, logger)
	webhookSrv := webhooks.NewServer(db, repos, orchestrator, c, logger)
	calendarSvc := services.NewCalendarService(db, repos, provider, registrar, orchestrator, logger)

	sender := alerts.SenderFromConfig(c, logger)
	dispatcher := alerts.NewDispatcher(db, repos, sender, logger)
	cleaner := retention.NewCleaner(db, repos, c, logger)
	store := backup.NewStore(c)
	backupSvc := backup.NewService(db, repos, provider, store, c, logger)

	sched := scheduler.NewScheduler(db, repos, logger)
	sched.Every("sync_poll", c.SyncInterval, orchestrator.SyncAll)
	sched.Every("consistency_check", c.ConsistencyInterval, reconciler.CheckAll)
	sched.Every("webhook_renewal", c.WebhookRenewalInterval, func(ctx context.Context) error {
		return registrar.RenewExpiring(ctx, channelRenewalLead)
	})
	sched.Every("alert_dispatch", c.AlertDispatchInterval, func(ctx context.Context) error {
		_, err := dispatcher.DispatchPending(ctx)
		return err
	})
	sched.Add("retention_cleanup", c.RetentionSchedule, cleaner.Run)
	sched.Add("alert_purge", c.RetentionSchedule, dispatcher.PurgeStale)
	sched.Add("backup", c.BackupSchedule, backupSvc.Run)

	return &App{
		config:       c,
		logger:       logger,
		db:           db,
		repos:        repos,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		registrar:    registrar,
		webhookSrv:   webhookSrv,
		calendars:    calendarSvc,
		scheduler:    sched,
	}, nil
}

// Calendars exposes the lifecycle operations (connect, disconnect, pause)
// for the surrounding API layer.
func (app *App) Calendars() *services.CalendarService {
	return app.calendars
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// catchUp runs once on startup: push channels are re-established for every
// active calendar and each gets a pass, so changes made while the daemon was
// down converge without waiting for the poll.
func (app *App) catchUp(ctx context.Context) {
	if err := app.registrar.EnsureAll(ctx); err != nil {
		app.logger.Warn(ctx, "webhook channel backfill failed", "error", err)
	}
	if err := app.orchestrator.SyncAll(ctx); err != nil {
		app.logger.Warn(ctx, "startup sync request failed", "error", err)
	}
}

func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if err := app.repos.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migrations error: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.webhookSrv.Run(ctx); err != nil {
			app.logger.Error(ctx, "webhook server failed", "error", err)
			cancelFunc()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.orchestrator.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.scheduler.Run(ctx); err != nil {
			app.logger.Error(ctx, "scheduler failed", "error", err)
			cancelFunc()
		}
	}()

	app.catchUp(ctx)

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Warn(ctx, "db close failed", "error", err)
	}
	app.logger.Info(ctx, "Shutdown complete")
	return nil
}
