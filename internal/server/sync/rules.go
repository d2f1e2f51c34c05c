// Package sync implements the replication engine: pure decision rules that
// turn a remote observation into an ordered plan, an orchestrator that
// executes plans calendar by calendar, and a reconciler that repairs drift.
package sync

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/busybridge/internal/server/config"
	"github.com/dmitrijs2005/busybridge/internal/server/gcal"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

// StepKind enumerates everything a plan may ask the executor to do. Remote
// steps come before the store steps whose state they confirm.
type StepKind int

const (
	// StepUpsertMainCopy writes the full-detail copy of a client-origin
	// event to the main calendar.
	StepUpsertMainCopy StepKind = iota
	// StepUpsertMainBusy writes the opaque stand-in for a personal-origin
	// event to the main calendar.
	StepUpsertMainBusy
	// StepUpsertBlock writes one busy block on one client calendar.
	StepUpsertBlock
	StepDeleteMainCopy
	StepDeleteBlock
	// StepDeleteOrigin removes the origin event itself, on behalf of a user
	// who deleted the copy and holds edit rights.
	StepDeleteOrigin
	// StepPropagateToOrigin patches a user's edit of the main copy back onto
	// the origin event.
	StepPropagateToOrigin
	// StepCommitMapping persists the mapping after its remote writes are
	// confirmed.
	StepCommitMapping
	StepSoftDeleteMapping
	StepDeleteMapping
)

func (k StepKind) String() string {
	switch k {
	case StepUpsertMainCopy:
		return "upsert_main_copy"
	case StepUpsertMainBusy:
		return "upsert_main_busy"
	case StepUpsertBlock:
		return "upsert_block"
	case StepDeleteMainCopy:
		return "delete_main_copy"
	case StepDeleteBlock:
		return "delete_block"
	case StepDeleteOrigin:
		return "delete_origin"
	case StepPropagateToOrigin:
		return "propagate_to_origin"
	case StepCommitMapping:
		return "commit_mapping"
	case StepSoftDeleteMapping:
		return "soft_delete_mapping"
	case StepDeleteMapping:
		return "delete_mapping"
	default:
		return "unknown"
	}
}

// Target addresses one remote calendar: the store row, the provider id, and
// the account whose credentials reach it.
type Target struct {
	CalendarID   int64
	RemoteID     string
	AccountEmail string
}

func targetOf(c *models.Calendar) Target {
	return Target{CalendarID: c.ID, RemoteID: c.RemoteID, AccountEmail: c.AccountEmail}
}

// Step is one intended operation. EventID empty on an upsert means create;
// UpdateOnly marks instance-scoped upserts that must never fall back to
// create (a create would make a standalone duplicate of the instance).
type Step struct {
	Kind       StepKind
	Target     Target
	EventID    string
	UpdateOnly bool
	Data       *gcal.EventData
	// Block is the row to commit (upserts) or to drop once the remote delete
	// is confirmed. Nil on instance deletes that never had a row.
	Block *models.BusyBlock
	// Mapping carries the full row state for the mapping steps.
	Mapping *models.EventMapping
}

// Plan is an ordered list of steps for one observation. Execution is
// sequential; store mutations always follow the remote confirmation they
// depend on.
type Plan struct {
	Steps []Step
}

func (p *Plan) add(s Step) { p.Steps = append(p.Steps, s) }

// RemoteOps counts the steps that would touch the remote API. A converged
// observation plans zero of them.
func (p Plan) RemoteOps() int {
	n := 0
	for _, s := range p.Steps {
		switch s.Kind {
		case StepCommitMapping, StepSoftDeleteMapping, StepDeleteMapping:
		default:
			n++
		}
	}
	return n
}

// Observation is everything the rules need to decide: the classified change,
// where it was seen, the user's calendars, and the current mapping state.
type Observation struct {
	Change gcal.Change
	// Origin is the calendar the change was observed on.
	Origin models.Calendar
	Main   models.Calendar
	// Calendars is every calendar of the user, active or not. Inactive rows
	// are needed to address leftover blocks.
	Calendars []models.Calendar

	// Mapping is the row for this event: resolved by origin identity, or for
	// events observed on main, by main event id (the managed copy).
	Mapping *models.EventMapping
	// CopyOrigin is the origin calendar when Mapping was resolved by main
	// event id.
	CopyOrigin *models.Calendar
	// Parent is the series mapping when the observed event is an instance
	// exception; ParentBlocks are its blocks.
	Parent       *models.EventMapping
	Blocks       []models.BusyBlock
	ParentBlocks []models.BusyBlock
}

// copyEdit reports whether the observed event is the managed copy of an
// event originating elsewhere: only changes on main can be that.
func (o *Observation) copyEdit() bool {
	return o.Mapping != nil && o.Origin.Role == models.RoleMain &&
		o.Mapping.OriginCalendarID != o.Origin.ID
}

func (o *Observation) parentCopyEdit() bool {
	return o.Parent != nil && o.Origin.Role == models.RoleMain &&
		o.Parent.OriginCalendarID != o.Origin.ID
}

// blockTargets is the busy-block fan-out set: every active client calendar
// except the origin. Personal calendars never receive writes.
func (o *Observation) blockTargets() []*models.Calendar {
	var out []*models.Calendar
	for i := range o.Calendars {
		c := &o.Calendars[i]
		if c.Role == models.RoleClient && c.IsActive && c.ID != o.Origin.ID {
			out = append(out, c)
		}
	}
	return out
}

func (o *Observation) calendarByID(id int64) *models.Calendar { return calendarIn(o.Calendars, id) }

func calendarIn(cals []models.Calendar, id int64) *models.Calendar {
	for i := range cals {
		if cals[i].ID == id {
			return &cals[i]
		}
	}
	return nil
}

// Rules holds the naming knobs the decision logic needs. All methods are
// pure: they read the observation and propose steps, nothing else.
type Rules struct {
	SyncTag                string
	BusyBlockTitle         string
	PersonalBusyBlockTitle string
	ManagedEventPrefix     string
}

func NewRules(cfg *config.Config) Rules {
	return Rules{
		SyncTag:                cfg.SyncTag,
		BusyBlockTitle:         cfg.BusyBlockTitle,
		PersonalBusyBlockTitle: cfg.PersonalBusyBlockTitle,
		ManagedEventPrefix:     cfg.ManagedEventPrefix,
	}
}

func (r Rules) managed(e *gcal.Event) bool {
	return e != nil && e.Private[r.SyncTag] == "true"
}

func (r Rules) blockTitle(origin models.CalendarRole) string {
	if origin == models.RolePersonal {
		return r.PersonalBusyBlockTitle
	}
	return r.BusyBlockTitle
}

// BuildPlan turns one observation into an ordered plan. An error means the
// observation itself is unusable and should be skipped, never retried.
func (r Rules) BuildPlan(obs Observation) (Plan, error) {
	e := obs.Change.Event
	if e == nil {
		return Plan{}, fmt.Errorf("observation without event")
	}

	switch obs.Change.Kind {
	case gcal.ChangeCreated, gcal.ChangeUpdated:
		if e.IsException() {
			return r.planUpsertException(obs)
		}
		return r.planUpsert(obs), nil
	case gcal.ChangeCancelled:
		return r.planCancelledInstance(obs)
	case gcal.ChangeDeleted:
		return r.planDelete(obs), nil
	default:
		return Plan{}, fmt.Errorf("unknown change kind %d", obs.Change.Kind)
	}
}

func (r Rules) planUpsert(obs Observation) Plan {
	e := obs.Change.Event

	if obs.Origin.Role == models.RoleMain {
		if obs.copyEdit() {
			return r.planCopyEdit(obs)
		}
		if r.managed(e) {
			// A managed object we have no mapping for: an echo racing its
			// own commit, or a leftover from another install. Never ours to
			// act on.
			return Plan{}
		}
		return r.planMainOriginUpsert(obs)
	}

	if r.managed(e) {
		// Echo of a busy block write, or the user touched one. Blocks are
		// repaired by the reconciler, not synced.
		return Plan{}
	}
	return r.planOriginUpsert(obs)
}

// planOriginUpsert handles a created or updated event on a client or
// personal calendar: full copy (or opaque stand-in) on main, busy blocks
// everywhere else.
func (r Rules) planOriginUpsert(obs Observation) Plan {
	e := obs.Change.Event
	personal := obs.Origin.Role == models.RolePersonal
	wantBlocks := gcal.ShouldCreateBusyBlock(e)

	if personal && !wantBlocks {
		// Nothing of this event should exist anywhere.
		if obs.Mapping == nil || obs.Mapping.Deleted() {
			return Plan{}
		}
		return r.teardown(obs, false)
	}

	canEdit := !personal && gcal.CanUserEdit(e, obs.Origin.AccountEmail)

	var copyData *gcal.EventData
	copyKind := StepUpsertMainCopy
	if personal {
		copyData = gcal.BusyBlockBody(e, r.PersonalBusyBlockTitle, r.ManagedEventPrefix)
		copyKind = StepUpsertMainBusy
	} else {
		label := gcal.SourceLabel(obs.Origin.DisplayName, obs.Origin.RemoteID, obs.Origin.AccountEmail)
		copyData = gcal.CopyForMain(e, label, obs.Origin.ColorID, r.ManagedEventPrefix)
	}

	m := r.mappingFor(obs, canEdit, copyData)
	targets := obs.blockTargets()

	if converged(obs.Mapping, e, canEdit) && m.MainEventID != "" &&
		blocksConverged(obs.Blocks, targets, wantBlocks) {
		return Plan{Steps: []Step{{Kind: StepCommitMapping, Mapping: m}}}
	}

	var p Plan
	p.add(Step{Kind: copyKind, Target: targetOf(&obs.Main), EventID: m.MainEventID, Data: copyData})
	p.add(Step{Kind: StepCommitMapping, Mapping: m})
	r.addBlockSteps(&p, obs, targets, wantBlocks)
	return p
}

// planMainOriginUpsert handles the user's own events on main: no copy is
// needed, only the block fan-out.
func (r Rules) planMainOriginUpsert(obs Observation) Plan {
	e := obs.Change.Event
	wantBlocks := gcal.ShouldCreateBusyBlock(e)
	targets := obs.blockTargets()

	if !wantBlocks {
		if obs.Mapping == nil || obs.Mapping.Deleted() {
			return Plan{}
		}
		// Blocks come down and the mapping goes with them: with no copy and
		// no blocks there is nothing left to track.
		return r.teardown(obs, false)
	}

	m := r.mappingFor(obs, true, nil)

	if converged(obs.Mapping, e, true) && blocksConverged(obs.Blocks, targets, true) {
		return Plan{Steps: []Step{{Kind: StepCommitMapping, Mapping: m}}}
	}

	var p Plan
	p.add(Step{Kind: StepCommitMapping, Mapping: m})
	r.addBlockSteps(&p, obs, targets, true)
	return p
}

// planCopyEdit handles a change to the managed copy on main. The last
// written fingerprint tells our own echo apart from a user edit; only users
// with edit rights on a client origin get their edit written back.
func (r Rules) planCopyEdit(obs Observation) Plan {
	e := obs.Change.Event
	m := obs.Mapping

	if m.MainContentHash == gcal.EventFingerprint(e) {
		return Plan{}
	}
	if m.OriginType != models.RoleClient || !m.UserCanEdit || obs.CopyOrigin == nil {
		// Read-only copy: the mapping stays, the divergence is the user's.
		return Plan{}
	}

	var p Plan
	p.add(Step{
		Kind:    StepPropagateToOrigin,
		Target:  targetOf(obs.CopyOrigin),
		EventID: m.OriginEventID,
		Data:    r.propagationData(e, obs.CopyOrigin),
	})

	nm := *m
	nm.MainContentHash = gcal.EventFingerprint(e)
	nm.EventStart = e.Start.Time()
	nm.EventEnd = e.End.Time()
	nm.AllDay = e.AllDay()
	p.add(Step{Kind: StepCommitMapping, Mapping: &nm})
	return p
}

func (r Rules) planDelete(obs Observation) Plan {
	if obs.Mapping == nil || obs.Mapping.Deleted() {
		return Plan{}
	}

	if obs.copyEdit() {
		// The user deleted the copy on main. With edit rights on a client
		// origin the deletion travels to the origin; otherwise the origin
		// stays and only our objects come down.
		deleteOrigin := obs.Mapping.OriginType == models.RoleClient &&
			obs.Mapping.UserCanEdit && obs.CopyOrigin != nil
		return r.teardown(obs, deleteOrigin)
	}

	// Deleted at its origin: every object the mapping tracks comes down.
	return r.teardown(obs, false)
}

// planUpsertException handles a modified single instance of a recurring
// series. The copies are touched through derived instance ids, so only that
// occurrence moves.
func (r Rules) planUpsertException(obs Observation) (Plan, error) {
	e := obs.Change.Event

	if obs.Origin.Role == models.RoleMain && obs.parentCopyEdit() {
		return r.planCopyEditInstance(obs)
	}
	if r.managed(e) {
		return Plan{}, nil
	}
	if obs.Parent == nil || obs.Parent.Deleted() {
		// No series context: the parent either never synced or is already
		// torn down. A later full listing converges it.
		return Plan{}, nil
	}

	origStart := e.OriginalStartTime
	if origStart.IsZero() {
		return Plan{}, fmt.Errorf("instance %s without originalStartTime", e.ID)
	}

	if obs.Origin.Role == models.RoleMain {
		return r.planMainOriginException(obs, origStart)
	}
	return r.planOriginException(obs, origStart)
}

func (r Rules) planOriginException(obs Observation, origStart gcal.EventTime) (Plan, error) {
	e := obs.Change.Event
	parent := obs.Parent
	personal := obs.Origin.Role == models.RolePersonal
	wantBlocks := gcal.ShouldCreateBusyBlock(e)
	canEdit := !personal && gcal.CanUserEdit(e, obs.Origin.AccountEmail)

	copyID := ""
	if obs.Mapping != nil && obs.Mapping.MainEventID != "" {
		copyID = obs.Mapping.MainEventID
	} else if parent.MainEventID != "" {
		var err error
		copyID, err = gcal.InstanceEventID(parent.MainEventID, origStart)
		if err != nil {
			return Plan{}, err
		}
	}

	var copyData *gcal.EventData
	copyKind := StepUpsertMainCopy
	if personal {
		copyData = gcal.BusyBlockBody(e, r.PersonalBusyBlockTitle, r.ManagedEventPrefix)
		copyKind = StepUpsertMainBusy
	} else {
		label := gcal.SourceLabel(obs.Origin.DisplayName, obs.Origin.RemoteID, obs.Origin.AccountEmail)
		copyData = gcal.CopyForMain(e, label, obs.Origin.ColorID, r.ManagedEventPrefix)
	}

	m := r.mappingFor(obs, canEdit, copyData)

	if personal && !wantBlocks {
		// The occurrence should render nowhere, but the series copies still
		// produce it: the derived instances come down and the child row
		// records the suppression.
		m.MainEventID = ""
		m.MainContentHash = ""
		if converged(obs.Mapping, e, canEdit) && obs.Mapping.MainEventID == "" &&
			blockInstancesConverged(obs, false) {
			return Plan{Steps: []Step{{Kind: StepCommitMapping, Mapping: m}}}, nil
		}
		var p Plan
		if copyID != "" {
			p.add(Step{Kind: StepDeleteMainCopy, Target: targetOf(&obs.Main), EventID: copyID})
		}
		p.add(Step{Kind: StepCommitMapping, Mapping: m})
		if err := r.addInstanceBlockSteps(&p, obs, origStart, false); err != nil {
			return Plan{}, err
		}
		return p, nil
	}

	m.MainEventID = copyID

	if converged(obs.Mapping, e, canEdit) && blockInstancesConverged(obs, wantBlocks) {
		return Plan{Steps: []Step{{Kind: StepCommitMapping, Mapping: m}}}, nil
	}

	var p Plan
	if copyID != "" {
		p.add(Step{Kind: copyKind, Target: targetOf(&obs.Main), EventID: copyID, UpdateOnly: true, Data: copyData})
	}
	p.add(Step{Kind: StepCommitMapping, Mapping: m})
	if err := r.addInstanceBlockSteps(&p, obs, origStart, wantBlocks); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func (r Rules) planMainOriginException(obs Observation, origStart gcal.EventTime) (Plan, error) {
	e := obs.Change.Event
	wantBlocks := gcal.ShouldCreateBusyBlock(e)

	m := r.mappingFor(obs, true, nil)

	if converged(obs.Mapping, e, true) && blockInstancesConverged(obs, wantBlocks) {
		return Plan{Steps: []Step{{Kind: StepCommitMapping, Mapping: m}}}, nil
	}

	var p Plan
	p.add(Step{Kind: StepCommitMapping, Mapping: m})
	if err := r.addInstanceBlockSteps(&p, obs, origStart, wantBlocks); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// planCopyEditInstance handles the user moving or reshaping one instance of
// the managed copy series on main.
func (r Rules) planCopyEditInstance(obs Observation) (Plan, error) {
	e := obs.Change.Event
	parent := obs.Parent

	if obs.Mapping != nil && obs.Mapping.MainContentHash == gcal.EventFingerprint(e) {
		return Plan{}, nil
	}
	if parent.Deleted() || parent.OriginType != models.RoleClient || !parent.UserCanEdit || obs.CopyOrigin == nil {
		return Plan{}, nil
	}
	if e.OriginalStartTime.IsZero() {
		return Plan{}, fmt.Errorf("instance %s without originalStartTime", e.ID)
	}

	originInstID, err := gcal.InstanceEventID(parent.OriginEventID, e.OriginalStartTime)
	if err != nil {
		return Plan{}, err
	}

	var p Plan
	p.add(Step{
		Kind:    StepPropagateToOrigin,
		Target:  targetOf(obs.CopyOrigin),
		EventID: originInstID,
		Data:    r.propagationData(e, obs.CopyOrigin),
	})

	child := &models.EventMapping{
		UserID:                 obs.Origin.UserID,
		OriginCalendarID:       obs.CopyOrigin.ID,
		OriginType:             models.RoleClient,
		OriginEventID:          originInstID,
		OriginRecurringEventID: parent.OriginEventID,
		MainEventID:            e.ID,
		EventStart:             e.Start.Time(),
		EventEnd:               e.End.Time(),
		AllDay:                 e.AllDay(),
		Recurring:              true,
		UserCanEdit:            parent.UserCanEdit,
		MainContentHash:        gcal.EventFingerprint(e),
	}
	if obs.Mapping != nil {
		child.ID = obs.Mapping.ID
		child.ContentHash = obs.Mapping.ContentHash
	}
	p.add(Step{Kind: StepCommitMapping, Mapping: child})
	return p, nil
}

// planCancelledInstance handles the cancellation of a single occurrence.
// Cancellation stubs carry no body, so every decision rests on the mappings.
// Each handled cancellation leaves a soft-deleted child row behind: the
// tombstone is what makes a replayed stub plan nothing.
func (r Rules) planCancelledInstance(obs Observation) (Plan, error) {
	e := obs.Change.Event

	if obs.Mapping != nil && obs.Mapping.Deleted() {
		return Plan{}, nil
	}

	if obs.Origin.Role == models.RoleMain && obs.parentCopyEdit() {
		parent := obs.Parent
		if parent.Deleted() || parent.OriginType != models.RoleClient || !parent.UserCanEdit || obs.CopyOrigin == nil {
			return Plan{}, nil
		}
		if e.OriginalStartTime.IsZero() {
			return Plan{}, fmt.Errorf("cancelled instance %s without originalStartTime", e.ID)
		}
		originInstID, err := gcal.InstanceEventID(parent.OriginEventID, e.OriginalStartTime)
		if err != nil {
			return Plan{}, err
		}

		var p Plan
		p.add(Step{Kind: StepDeleteOrigin, Target: targetOf(obs.CopyOrigin), EventID: originInstID})
		if err := r.addInstanceBlockDeletes(&p, obs, e.OriginalStartTime); err != nil {
			return Plan{}, err
		}
		if obs.Mapping != nil {
			p.add(Step{Kind: StepSoftDeleteMapping, Mapping: obs.Mapping})
		} else {
			child := r.instanceTombstone(obs, parent, obs.CopyOrigin.ID, originInstID)
			child.MainEventID = e.ID
			p.add(Step{Kind: StepSoftDeleteMapping, Mapping: child})
		}
		return p, nil
	}

	if obs.Mapping != nil {
		// A previously modified instance: its own copy and blocks exist.
		var p Plan
		if obs.Mapping.MainEventID != "" {
			p.add(Step{Kind: StepDeleteMainCopy, Target: targetOf(&obs.Main), EventID: obs.Mapping.MainEventID})
		}
		if obs.Parent != nil && !e.OriginalStartTime.IsZero() {
			if err := r.addInstanceBlockDeletes(&p, obs, e.OriginalStartTime); err != nil {
				return Plan{}, err
			}
		} else {
			for i := range obs.Blocks {
				b := &obs.Blocks[i]
				cal := obs.calendarByID(b.CalendarID)
				if cal == nil {
					continue
				}
				p.add(Step{Kind: StepDeleteBlock, Target: targetOf(cal), EventID: b.RemoteEventID, Block: b})
			}
		}
		p.add(Step{Kind: StepSoftDeleteMapping, Mapping: obs.Mapping})
		return p, nil
	}

	if obs.Parent == nil || obs.Parent.Deleted() {
		return Plan{}, nil
	}
	if e.OriginalStartTime.IsZero() {
		return Plan{}, fmt.Errorf("cancelled instance %s without originalStartTime", e.ID)
	}

	// An untouched occurrence was cancelled: the instances the series copies
	// render for it come down.
	var p Plan
	if obs.Parent.MainEventID != "" {
		copyInstID, err := gcal.InstanceEventID(obs.Parent.MainEventID, e.OriginalStartTime)
		if err != nil {
			return Plan{}, err
		}
		p.add(Step{Kind: StepDeleteMainCopy, Target: targetOf(&obs.Main), EventID: copyInstID})
	}
	if err := r.addInstanceBlockDeletes(&p, obs, e.OriginalStartTime); err != nil {
		return Plan{}, err
	}
	p.add(Step{Kind: StepSoftDeleteMapping, Mapping: r.instanceTombstone(obs, obs.Parent, obs.Origin.ID, e.ID)})
	return p, nil
}

// instanceTombstone builds the child row a cancelled occurrence leaves
// behind. The temporal snapshot degrades to the original start, which is all
// a cancellation stub carries.
func (r Rules) instanceTombstone(obs Observation, parent *models.EventMapping, originCalendarID int64, originEventID string) *models.EventMapping {
	e := obs.Change.Event
	origStart := e.OriginalStartTime.Time()
	return &models.EventMapping{
		UserID:                 obs.Origin.UserID,
		OriginCalendarID:       originCalendarID,
		OriginType:             parent.OriginType,
		OriginEventID:          originEventID,
		OriginRecurringEventID: parent.OriginEventID,
		EventStart:             origStart,
		EventEnd:               origStart,
		AllDay:                 e.OriginalStartTime.IsAllDay(),
		Recurring:              true,
		UserCanEdit:            parent.UserCanEdit,
	}
}

// teardown removes everything a mapping tracks: optionally the origin event,
// then the main copy, then every addressable block, and finally the row
// itself. Recurring mappings are soft-deleted so late instance exceptions
// can still resolve their parent.
func (r Rules) teardown(obs Observation, deleteOrigin bool) Plan {
	m := obs.Mapping
	var p Plan

	if deleteOrigin && obs.CopyOrigin != nil {
		p.add(Step{Kind: StepDeleteOrigin, Target: targetOf(obs.CopyOrigin), EventID: m.OriginEventID})
	}
	if m.MainEventID != "" {
		p.add(Step{Kind: StepDeleteMainCopy, Target: targetOf(&obs.Main), EventID: m.MainEventID})
	}
	for i := range obs.Blocks {
		b := &obs.Blocks[i]
		cal := obs.calendarByID(b.CalendarID)
		if cal == nil {
			continue
		}
		p.add(Step{Kind: StepDeleteBlock, Target: targetOf(cal), EventID: b.RemoteEventID, Block: b})
	}

	if m.Recurring {
		p.add(Step{Kind: StepSoftDeleteMapping, Mapping: m})
	} else {
		p.add(Step{Kind: StepDeleteMapping, Mapping: m})
	}
	return p
}

// addBlockSteps appends the busy-block fan-out: an upsert per target
// calendar and a delete for every block that no longer belongs (suppressed
// event, or its calendar left the target set).
func (r Rules) addBlockSteps(p *Plan, obs Observation, targets []*models.Calendar, wantBlocks bool) {
	e := obs.Change.Event
	data := gcal.BusyBlockBody(e, r.blockTitle(obs.Origin.Role), r.ManagedEventPrefix)

	consumed := make(map[int64]bool)
	if wantBlocks {
		existing := make(map[int64]*models.BusyBlock, len(obs.Blocks))
		for i := range obs.Blocks {
			existing[obs.Blocks[i].CalendarID] = &obs.Blocks[i]
		}
		for _, cal := range targets {
			s := Step{Kind: StepUpsertBlock, Target: targetOf(cal), Data: data}
			if b := existing[cal.ID]; b != nil {
				s.EventID = b.RemoteEventID
				s.Block = b
				consumed[cal.ID] = true
			} else {
				s.Block = &models.BusyBlock{CalendarID: cal.ID, SourceKind: obs.Origin.Role}
			}
			p.add(s)
		}
	}

	for i := range obs.Blocks {
		b := &obs.Blocks[i]
		if consumed[b.CalendarID] {
			continue
		}
		cal := obs.calendarByID(b.CalendarID)
		if cal == nil || !cal.IsActive {
			// Unaddressable or deactivated: the row stays until the
			// calendar's own cleanup takes it.
			continue
		}
		p.add(Step{Kind: StepDeleteBlock, Target: targetOf(cal), EventID: b.RemoteEventID, Block: b})
	}
}

// addInstanceBlockSteps appends per-occurrence block writes for a modified
// instance. Targets are the calendars that hold the parent's series blocks:
// an instance cannot exist without its series.
func (r Rules) addInstanceBlockSteps(p *Plan, obs Observation, origStart gcal.EventTime, wantBlocks bool) error {
	e := obs.Change.Event
	data := gcal.BusyBlockBody(e, r.blockTitle(obs.Origin.Role), r.ManagedEventPrefix)

	childRows := make(map[int64]*models.BusyBlock, len(obs.Blocks))
	for i := range obs.Blocks {
		childRows[obs.Blocks[i].CalendarID] = &obs.Blocks[i]
	}

	for i := range obs.ParentBlocks {
		pb := &obs.ParentBlocks[i]
		cal := obs.calendarByID(pb.CalendarID)
		if cal == nil || !cal.IsActive {
			continue
		}

		instID := ""
		child := childRows[pb.CalendarID]
		if child != nil {
			instID = child.RemoteEventID
		} else {
			var err error
			instID, err = gcal.InstanceEventID(pb.RemoteEventID, origStart)
			if err != nil {
				return err
			}
		}

		if wantBlocks {
			s := Step{Kind: StepUpsertBlock, Target: targetOf(cal), EventID: instID, UpdateOnly: true, Data: data}
			if child != nil {
				s.Block = child
			} else {
				s.Block = &models.BusyBlock{CalendarID: cal.ID, RemoteEventID: instID, SourceKind: obs.Origin.Role}
			}
			p.add(s)
		} else {
			p.add(Step{Kind: StepDeleteBlock, Target: targetOf(cal), EventID: instID, Block: child})
		}
	}
	return nil
}

// addInstanceBlockDeletes appends the per-occurrence deletes for a cancelled
// instance, derived from the parent's series blocks.
func (r Rules) addInstanceBlockDeletes(p *Plan, obs Observation, origStart gcal.EventTime) error {
	if obs.Parent == nil {
		return nil
	}

	childRows := make(map[int64]*models.BusyBlock, len(obs.Blocks))
	for i := range obs.Blocks {
		childRows[obs.Blocks[i].CalendarID] = &obs.Blocks[i]
	}

	for i := range obs.ParentBlocks {
		pb := &obs.ParentBlocks[i]
		cal := obs.calendarByID(pb.CalendarID)
		if cal == nil {
			continue
		}

		child := childRows[pb.CalendarID]
		instID := ""
		if child != nil {
			instID = child.RemoteEventID
		} else {
			var err error
			instID, err = gcal.InstanceEventID(pb.RemoteEventID, origStart)
			if err != nil {
				return err
			}
		}
		p.add(Step{Kind: StepDeleteBlock, Target: targetOf(cal), EventID: instID, Block: child})
	}
	return nil
}

// mappingFor builds the mapping row an upsert commits: the origin identity,
// the temporal snapshot, and both content fingerprints.
func (r Rules) mappingFor(obs Observation, canEdit bool, copyData *gcal.EventData) *models.EventMapping {
	e := obs.Change.Event
	m := &models.EventMapping{
		UserID:                 obs.Origin.UserID,
		OriginCalendarID:       obs.Origin.ID,
		OriginType:             obs.Origin.Role,
		OriginEventID:          e.ID,
		OriginRecurringEventID: e.RecurringEventID,
		EventStart:             e.Start.Time(),
		EventEnd:               e.End.Time(),
		AllDay:                 e.AllDay(),
		Recurring:              e.Recurring(),
		UserCanEdit:            canEdit,
		ContentHash:            gcal.EventFingerprint(e),
	}
	if copyData != nil {
		m.MainContentHash = gcal.DataFingerprint(copyData)
	}
	if obs.Mapping != nil {
		m.ID = obs.Mapping.ID
		m.MainEventID = obs.Mapping.MainEventID
	}
	return m
}

// propagationData strips the copy dressing back off an edited main copy so
// the user's actual content reaches the origin. Only set fields travel.
func (r Rules) propagationData(e *gcal.Event, origin *models.Calendar) *gcal.EventData {
	label := gcal.SourceLabel(origin.DisplayName, origin.RemoteID, origin.AccountEmail)

	summary := strings.TrimSpace(e.Summary)
	if r.ManagedEventPrefix != "" {
		summary = strings.TrimSpace(strings.TrimPrefix(summary, r.ManagedEventPrefix))
	}
	summary = strings.TrimSpace(strings.TrimPrefix(summary, "["+label+"]"))

	desc := e.Description
	if i := strings.Index(desc, "BusyBridge source: "); i >= 0 {
		desc = desc[:i]
	}
	if i := strings.Index(desc, "Original attendees: "); i >= 0 {
		desc = desc[:i]
	}

	return &gcal.EventData{
		Summary:     summary,
		Description: strings.TrimSpace(desc),
		Location:    e.Location,
		Start:       e.Start,
		End:         e.End,
		Recurrence:  e.Recurrence,
	}
}

// converged reports whether the stored mapping already reflects this exact
// origin content. Replaying a converged observation must plan zero remote
// operations.
func converged(m *models.EventMapping, e *gcal.Event, canEdit bool) bool {
	return m != nil && !m.Deleted() &&
		m.ContentHash == gcal.EventFingerprint(e) &&
		m.UserCanEdit == canEdit
}

// blocksConverged reports whether the stored block rows cover exactly the
// wanted target set.
func blocksConverged(blocks []models.BusyBlock, targets []*models.Calendar, want bool) bool {
	if !want {
		return len(blocks) == 0
	}
	if len(blocks) != len(targets) {
		return false
	}
	byCalendar := make(map[int64]bool, len(blocks))
	for i := range blocks {
		byCalendar[blocks[i].CalendarID] = true
	}
	for _, cal := range targets {
		if !byCalendar[cal.ID] {
			return false
		}
	}
	return true
}

// blockInstancesConverged is the instance-level analogue: a child row exists
// for every active parent block calendar exactly when blocks are wanted.
func blockInstancesConverged(obs Observation, want bool) bool {
	if !want {
		return len(obs.Blocks) == 0
	}
	childRows := make(map[int64]bool, len(obs.Blocks))
	for i := range obs.Blocks {
		childRows[obs.Blocks[i].CalendarID] = true
	}
	for i := range obs.ParentBlocks {
		pb := &obs.ParentBlocks[i]
		cal := obs.calendarByID(pb.CalendarID)
		if cal == nil || !cal.IsActive {
			continue
		}
		if !childRows[pb.CalendarID] {
			return false
		}
	}
	return true
}
