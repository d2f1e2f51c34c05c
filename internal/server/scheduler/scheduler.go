// Package scheduler runs the engine's periodic jobs on cron schedules.
// Every job body is guarded by a database lease lock named "job:<name>", so
// several server instances can run the same schedule without double-firing.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dmitrijs2005/busybridge/internal/common"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
)

// jobLockTTL bounds how long a crashed instance can block a job slot. It has
// to outlast the slowest job (the nightly backup).
const jobLockTTL = 15 * time.Minute

type job struct {
	name string
	spec string
	fn   func(context.Context) error
}

// Scheduler wires job functions to cron specs and runs them. Jobs are
// registered up front; Run schedules them and blocks until the context is
// cancelled.
type Scheduler struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	logger logging.Logger
	// owner identifies this process in job lock rows.
	owner string
	jobs  []job
}

func NewScheduler(db *sql.DB, repos repomanager.RepositoryManager, logger logging.Logger) *Scheduler {
	return &Scheduler{
		db:     db,
		repos:  repos,
		logger: logger.With("module", "scheduler"),
		owner:  uuid.NewString(),
	}
}

// Add registers fn under a cron expression (five fields, or "@every ...").
func (s *Scheduler) Add(name, spec string, fn func(context.Context) error) {
	s.jobs = append(s.jobs, job{name: name, spec: spec, fn: fn})
}

// Every registers fn on a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(context.Context) error) {
	s.Add(name, fmt.Sprintf("@every %s", interval), fn)
}

// Run schedules every registered job and blocks until ctx is cancelled, then
// waits for in-flight job runs to finish. An invalid spec fails Run before
// anything starts.
func (s *Scheduler) Run(ctx context.Context) error {
	cl := &cronLogger{ctx: ctx, l: s.logger}
	c := cron.New(cron.WithChain(
		cron.Recover(cl),
		cron.SkipIfStillRunning(cl),
	))

	for _, j := range s.jobs {
		if _, err := c.AddFunc(j.spec, s.guarded(ctx, j)); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}

	s.logger.Info(ctx, "Starting scheduler", "jobs", len(s.jobs))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// guarded wraps a job body with the lease lock and outcome logging.
func (s *Scheduler) guarded(ctx context.Context, j job) func() {
	lockName := "job:" + j.name
	return func() {
		locks := s.repos.Locks(s.db)
		if err := locks.Acquire(ctx, lockName, s.owner, jobLockTTL); err != nil {
			if errors.Is(err, common.ErrLockHeld) {
				s.logger.Debug(ctx, "job running on another instance, skipping", "job", j.name)
			} else {
				s.logger.Error(ctx, "job lock acquire failed", "job", j.name, "error", err)
			}
			return
		}
		defer func() {
			if err := locks.Release(ctx, lockName, s.owner); err != nil {
				s.logger.Warn(ctx, "job lock release failed", "job", j.name, "error", err)
			}
		}()

		start := time.Now()
		if err := j.fn(ctx); err != nil {
			s.logger.Error(ctx, "job failed", "job", j.name, "error", err)
			return
		}
		s.logger.Debug(ctx, "job finished", "job", j.name, "duration", time.Since(start).String())
	}
}

// cronLogger adapts logging.Logger to the cron.Logger interface. cron's own
// chatter (schedule, wake, skip) goes to debug; panics recovered by the
// chain go to error.
type cronLogger struct {
	ctx context.Context
	l   logging.Logger
}

func (c *cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(c.ctx, msg, keysAndValues...)
}

func (c *cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(c.ctx, msg, append([]any{"error", err}, keysAndValues...)...)
}
