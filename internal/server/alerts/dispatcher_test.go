package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	alertsrepo "github.com/dmitrijs2005/busybridge/internal/server/repositories/alerts"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
)

// -------- test fakes --------

type fakeQueueRepo struct {
	alertsrepo.Repository

	pending []*models.Alert
	listErr error
	purged  int64

	enqueued []*models.Alert
	sentIDs  []int64
	attempts []int64
	cutoffs  []time.Time
}

func (f *fakeQueueRepo) Enqueue(ctx context.Context, a *models.Alert) (*models.Alert, error) {
	cp := *a
	cp.ID = int64(len(f.enqueued) + 1)
	f.enqueued = append(f.enqueued, &cp)
	return &cp, nil
}

func (f *fakeQueueRepo) ListPending(ctx context.Context, maxAttempts, limit int) ([]*models.Alert, error) {
	return f.pending, f.listErr
}

func (f *fakeQueueRepo) MarkSent(ctx context.Context, id int64) error {
	f.sentIDs = append(f.sentIDs, id)
	return nil
}

func (f *fakeQueueRepo) MarkAttempt(ctx context.Context, id int64) error {
	f.attempts = append(f.attempts, id)
	return nil
}

func (f *fakeQueueRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.purged, nil
}

type fakeRepoManager struct {
	repomanager.RepositoryManager

	a *fakeQueueRepo
}

func (f *fakeRepoManager) Alerts(dbx.DBTX) alertsrepo.Repository { return f.a }

type fakeSender struct {
	errs map[int64]error
	sent []int64
}

func (f *fakeSender) Send(ctx context.Context, a *models.Alert) error {
	if err := f.errs[a.ID]; err != nil {
		return err
	}
	f.sent = append(f.sent, a.ID)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeQueueRepo, *fakeSender) {
	t.Helper()
	repo := &fakeQueueRepo{}
	sender := &fakeSender{errs: make(map[int64]error)}
	d := NewDispatcher(nil, &fakeRepoManager{a: repo}, sender, logging.NewNopLogger())
	return d, repo, sender
}

// -------- tests --------

func TestDispatchPending_DeliversBatch(t *testing.T) {
	t.Parallel()
	d, repo, sender := newTestDispatcher(t)
	repo.pending = []*models.Alert{
		{ID: 1, Kind: models.AlertTokenRevoked, UserID: 7},
		{ID: 2, Kind: models.AlertConsecutiveFailures, UserID: 7},
	}

	n, err := d.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("DispatchPending error: %v", err)
	}
	if n != 2 {
		t.Fatalf("delivered %d, want 2", n)
	}
	if len(sender.sent) != 2 || sender.sent[0] != 1 || sender.sent[1] != 2 {
		t.Fatalf("sender calls: %+v", sender.sent)
	}
	if len(repo.sentIDs) != 2 || len(repo.attempts) != 0 {
		t.Fatalf("marks: sent=%+v attempts=%+v", repo.sentIDs, repo.attempts)
	}
}

func TestDispatchPending_FailureMarksAttempt(t *testing.T) {
	t.Parallel()
	d, repo, sender := newTestDispatcher(t)
	repo.pending = []*models.Alert{
		{ID: 1, Kind: models.AlertTokenRevoked, UserID: 7},
		{ID: 2, Kind: models.AlertConsecutiveFailures, UserID: 7},
	}
	sender.errs[1] = errors.New("receiver down")

	n, err := d.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("one failed delivery must not fail the batch: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	if len(repo.attempts) != 1 || repo.attempts[0] != 1 {
		t.Fatalf("attempts: %+v", repo.attempts)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != 2 {
		t.Fatalf("sent: %+v", repo.sentIDs)
	}
}

func TestDispatchPending_BackoffGate(t *testing.T) {
	t.Parallel()
	d, repo, sender := newTestDispatcher(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	recent := now.Add(-3 * time.Minute)
	overdue := now.Add(-5 * time.Minute)
	repo.pending = []*models.Alert{
		// Two failures already: gate is 4 minutes.
		{ID: 1, Kind: models.AlertTokenRevoked, Attempts: 2, LastAttempt: &recent},
		{ID: 2, Kind: models.AlertTokenRevoked, Attempts: 2, LastAttempt: &overdue},
	}

	n, err := d.DispatchPending(context.Background())
	if err != nil {
		t.Fatalf("DispatchPending error: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered %d, want 1", n)
	}
	if len(sender.sent) != 1 || sender.sent[0] != 2 {
		t.Fatalf("sender calls: %+v", sender.sent)
	}
	if len(repo.attempts) != 0 {
		t.Fatalf("a gated alert must not burn an attempt: %+v", repo.attempts)
	}
}

func TestPurgeStale_UsesRetentionCutoff(t *testing.T) {
	t.Parallel()
	d, repo, _ := newTestDispatcher(t)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	repo.purged = 4

	if err := d.PurgeStale(context.Background()); err != nil {
		t.Fatalf("PurgeStale error: %v", err)
	}
	if len(repo.cutoffs) != 1 || !repo.cutoffs[0].Equal(now.Add(-7*24*time.Hour)) {
		t.Fatalf("cutoffs: %+v", repo.cutoffs)
	}
}

func TestRaise_Enqueues(t *testing.T) {
	t.Parallel()
	d, repo, _ := newTestDispatcher(t)

	calID := int64(2)
	err := d.Raise(context.Background(), &models.Alert{
		UserID: 7, CalendarID: &calID,
		Kind: models.AlertCalendarInaccessible, Detail: "watch refused",
	})
	if err != nil {
		t.Fatalf("Raise error: %v", err)
	}
	if len(repo.enqueued) != 1 || repo.enqueued[0].Kind != models.AlertCalendarInaccessible {
		t.Fatalf("enqueued: %+v", repo.enqueued)
	}
}
