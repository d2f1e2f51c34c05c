package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/busybridge/internal/dbx"
	"github.com/dmitrijs2005/busybridge/internal/logging"
	"github.com/dmitrijs2005/busybridge/internal/server/gcal"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/mappings"
	"github.com/dmitrijs2005/busybridge/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/busybridge/internal/server/tokens"
)

// errPlanAbandoned stops a plan without failing the pass: the world moved
// under the plan (an instance vanished mid-flight) and a later change or the
// reconciler converges it. The cursor still advances.
var errPlanAbandoned = errors.New("plan abandoned")

// Executor runs plans: remote mutations first, in order, then one
// transaction flushing exactly the store state those mutations confirmed.
// A remote failure mid-plan still flushes what was confirmed before it, so
// a retry never repeats a write that already happened.
type Executor struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	logger logging.Logger
}

func NewExecutor(db *sql.DB, repos repomanager.RepositoryManager, logger logging.Logger) *Executor {
	return &Executor{db: db, repos: repos, logger: logger}
}

// planState accumulates confirmed outcomes during the walk; flush writes
// them atomically.
type planState struct {
	// mainCopyID is the id the main-calendar copy ended up with. It can
	// differ from the planned id when an update fell back to create.
	mainCopyID   string
	commit       *models.EventMapping
	blockUpserts []*models.BusyBlock
	blockDeletes []int64
	remove       *models.EventMapping
	removeKind   StepKind
}

// Execute runs one plan for one user. The returned error keeps the gcal
// classification of the failing remote call so the caller can apply the
// per-calendar failure policy.
func (x *Executor) Execute(ctx context.Context, clients tokens.ClientFactory, userID int64, plan Plan) error {
	st := &planState{}
	err := x.walk(ctx, clients, userID, plan, st)
	if errors.Is(err, errPlanAbandoned) {
		err = nil
	}

	if ferr := x.flush(ctx, st); ferr != nil {
		if err != nil {
			x.logger.Error(ctx, "store flush after failed plan", "error", ferr)
			return err
		}
		return ferr
	}
	return err
}

func (x *Executor) walk(ctx context.Context, clients tokens.ClientFactory, userID int64, plan Plan, st *planState) error {
	for _, s := range plan.Steps {
		switch s.Kind {
		case StepCommitMapping:
			m := s.Mapping
			if st.mainCopyID != "" {
				m.MainEventID = st.mainCopyID
			}
			st.commit = m
			continue
		case StepSoftDeleteMapping, StepDeleteMapping:
			st.remove = s.Mapping
			st.removeKind = s.Kind
			continue
		}

		client, err := clients.ClientFor(ctx, userID, s.Target.AccountEmail)
		if err != nil {
			return fmt.Errorf("%s: client for %s: %w", s.Kind, s.Target.AccountEmail, err)
		}

		switch s.Kind {
		case StepUpsertMainCopy, StepUpsertMainBusy:
			id, vanished, err := x.upsertEvent(ctx, client, s)
			if err != nil {
				return fmt.Errorf("%s: %w", s.Kind, err)
			}
			if vanished {
				x.logger.Warn(ctx, "copy instance vanished, abandoning plan",
					"calendar", s.Target.RemoteID, "event", s.EventID)
				return errPlanAbandoned
			}
			st.mainCopyID = id

		case StepUpsertBlock:
			id, vanished, err := x.upsertEvent(ctx, client, s)
			if err != nil {
				return fmt.Errorf("%s: %w", s.Kind, err)
			}
			if vanished {
				x.logger.Warn(ctx, "block instance vanished, skipping",
					"calendar", s.Target.RemoteID, "event", s.EventID)
				continue
			}
			s.Block.RemoteEventID = id
			st.blockUpserts = append(st.blockUpserts, s.Block)

		case StepPropagateToOrigin:
			_, err := client.PatchEvent(ctx, s.Target.RemoteID, s.EventID, s.Data)
			if gcal.IsNotFound(err) {
				x.logger.Warn(ctx, "propagation target gone, abandoning plan",
					"calendar", s.Target.RemoteID, "event", s.EventID)
				return errPlanAbandoned
			}
			if err != nil {
				return fmt.Errorf("%s: %w", s.Kind, err)
			}

		case StepDeleteMainCopy, StepDeleteOrigin, StepDeleteBlock:
			if err := client.DeleteEvent(ctx, s.Target.RemoteID, s.EventID); err != nil {
				return fmt.Errorf("%s: %w", s.Kind, err)
			}
			if s.Kind == StepDeleteBlock && s.Block != nil && s.Block.ID != 0 {
				st.blockDeletes = append(st.blockDeletes, s.Block.ID)
			}

		default:
			return fmt.Errorf("unknown step kind %d", s.Kind)
		}
	}
	return nil
}

// upsertEvent writes one event: create when the step has no id, otherwise
// update. A NotFound on update falls back to create, except for
// instance-scoped steps where a create would produce a standalone duplicate;
// those report vanished instead.
func (x *Executor) upsertEvent(ctx context.Context, client gcal.Client, s Step) (string, bool, error) {
	if s.EventID == "" {
		ev, err := client.CreateEvent(ctx, s.Target.RemoteID, s.Data)
		if err != nil {
			return "", false, err
		}
		return ev.ID, false, nil
	}

	ev, err := client.UpdateEvent(ctx, s.Target.RemoteID, s.EventID, s.Data)
	if err == nil {
		return ev.ID, false, nil
	}
	if !gcal.IsNotFound(err) {
		return "", false, err
	}
	if s.UpdateOnly {
		return "", true, nil
	}

	ev, err = client.CreateEvent(ctx, s.Target.RemoteID, s.Data)
	if err != nil {
		return "", false, err
	}
	return ev.ID, false, nil
}

// flush commits the confirmed outcomes in one transaction: the mapping row
// first (block rows need its id), then block rows, then confirmed block
// deletes, then the mapping removal. A recurring series removal cascades to
// its children's rows; their remote objects died with the series events.
func (x *Executor) flush(ctx context.Context, st *planState) error {
	if st.commit == nil && len(st.blockUpserts) == 0 && len(st.blockDeletes) == 0 && st.remove == nil {
		return nil
	}

	return dbx.WithTx(ctx, x.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := x.repos.Mappings(tx)

		var mappingID int64
		if st.commit != nil {
			saved, err := repo.Upsert(ctx, st.commit)
			if err != nil {
				return fmt.Errorf("commit mapping: %w", err)
			}
			mappingID = saved.ID
		}

		for _, b := range st.blockUpserts {
			if b.MappingID == 0 {
				b.MappingID = mappingID
			}
			if _, err := repo.UpsertBlock(ctx, b); err != nil {
				return fmt.Errorf("commit block: %w", err)
			}
		}

		for _, id := range st.blockDeletes {
			if err := repo.DeleteBlock(ctx, id); err != nil {
				return fmt.Errorf("delete block row: %w", err)
			}
		}

		if st.remove == nil {
			return nil
		}

		m := st.remove
		switch st.removeKind {
		case StepDeleteMapping:
			if m.ID != 0 {
				if err := repo.Delete(ctx, m.ID); err != nil {
					return fmt.Errorf("delete mapping: %w", err)
				}
			}
		case StepSoftDeleteMapping:
			if m.ID == 0 {
				saved, err := repo.Upsert(ctx, m)
				if err != nil {
					return fmt.Errorf("store tombstone: %w", err)
				}
				m = saved
			}
			if err := repo.SoftDelete(ctx, m.ID); err != nil {
				return fmt.Errorf("soft delete mapping: %w", err)
			}
			if m.Recurring && m.OriginRecurringEventID == "" {
				if err := cascadeChildren(ctx, repo, m); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// cascadeChildren retires the instance rows of a removed series. Only store
// state: the remote instances ended when the series objects were deleted.
func cascadeChildren(ctx context.Context, repo mappings.Repository, parent *models.EventMapping) error {
	children, err := repo.ListByRecurringParent(ctx, parent.OriginCalendarID, parent.OriginEventID)
	if err != nil {
		return fmt.Errorf("list series children: %w", err)
	}
	for _, c := range children {
		blocks, err := repo.ListBlocks(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("list child blocks: %w", err)
		}
		for _, b := range blocks {
			if err := repo.DeleteBlock(ctx, b.ID); err != nil {
				return fmt.Errorf("delete child block row: %w", err)
			}
		}
		if c.Deleted() {
			continue
		}
		if err := repo.SoftDelete(ctx, c.ID); err != nil {
			return fmt.Errorf("soft delete child: %w", err)
		}
	}
	return nil
}
