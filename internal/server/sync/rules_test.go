package sync

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dmitrijs2005/busybridge/internal/server/gcal"
	"github.com/dmitrijs2005/busybridge/internal/server/models"
)

func testRules() Rules {
	return Rules{
		SyncTag:                "busybridge_sync",
		BusyBlockTitle:         "Busy",
		PersonalBusyBlockTitle: "Busy (Personal)",
	}
}

func testCalendars() (main, clientA, clientB, personal models.Calendar) {
	main = models.Calendar{ID: 1, UserID: 7, Role: models.RoleMain, AccountEmail: "me@main.example", RemoteID: "cal-main", DisplayName: "Main", IsActive: true}
	clientA = models.Calendar{ID: 2, UserID: 7, Role: models.RoleClient, AccountEmail: "me@corp-a.example", RemoteID: "cal-a", DisplayName: "Corp A", IsActive: true}
	clientB = models.Calendar{ID: 3, UserID: 7, Role: models.RoleClient, AccountEmail: "me@corp-b.example", RemoteID: "cal-b", DisplayName: "Corp B", IsActive: true}
	personal = models.Calendar{ID: 4, UserID: 7, Role: models.RolePersonal, AccountEmail: "me@mail.example", RemoteID: "cal-p", DisplayName: "Personal", IsActive: true}
	return main, clientA, clientB, personal
}

func timedEvent(id, summary, organizer string) *gcal.Event {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := &gcal.Event{
		ID:      id,
		Status:  "confirmed",
		Summary: summary,
		Start:   gcal.EventTime{DateTime: start},
		End:     gcal.EventTime{DateTime: start.Add(time.Hour)},
	}
	if organizer != "" {
		e.Organizer = &gcal.Person{Email: organizer}
	}
	return e
}

func mustPlan(t *testing.T, r Rules, obs Observation) Plan {
	t.Helper()
	p, err := r.BuildPlan(obs)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	return p
}

func stepKinds(p Plan) []string {
	kinds := make([]string, len(p.Steps))
	for i := range p.Steps {
		kinds[i] = p.Steps[i].Kind.String()
	}
	return kinds
}

func assertSteps(t *testing.T, p Plan, want ...string) {
	t.Helper()
	if diff := cmp.Diff(want, stepKinds(p)); diff != "" {
		t.Fatalf("plan steps mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPlan_ClientOriginCreate(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	e := timedEvent("ev-1", "Standup", a.AccountEmail)

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeCreated, Event: e},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
	})

	assertSteps(t, plan, "upsert_main_copy", "commit_mapping", "upsert_block")

	cp := plan.Steps[0]
	if cp.Target.CalendarID != main.ID || cp.EventID != "" {
		t.Errorf("copy step targets %+v event %q, want main create", cp.Target, cp.EventID)
	}
	label := gcal.SourceLabel(a.DisplayName, a.RemoteID, a.AccountEmail)
	if want := "[" + label + "] Standup"; cp.Data.Summary != want {
		t.Errorf("copy summary = %q, want %q", cp.Data.Summary, want)
	}

	m := plan.Steps[1].Mapping
	if m.OriginType != models.RoleClient || !m.UserCanEdit {
		t.Errorf("mapping = %+v, want client origin with edit rights", m)
	}
	if m.ContentHash != gcal.EventFingerprint(e) {
		t.Errorf("mapping content hash = %q, want origin fingerprint", m.ContentHash)
	}
	if m.MainContentHash != gcal.DataFingerprint(cp.Data) {
		t.Errorf("mapping main content hash = %q, want copy fingerprint", m.MainContentHash)
	}

	blk := plan.Steps[2]
	if blk.Target.CalendarID != b.ID {
		t.Errorf("block targets calendar %d, want %d", blk.Target.CalendarID, b.ID)
	}
	if blk.Data.Summary != "Busy" || blk.Data.Transparency != "opaque" || blk.Data.Visibility != "private" {
		t.Errorf("block body = %+v, want opaque private busy marker", blk.Data)
	}
	if blk.Data.Description != "" {
		t.Errorf("block description = %q, want empty", blk.Data.Description)
	}
}

func TestBuildPlan_ClientOriginConverged(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	e := timedEvent("ev-1", "Standup", a.AccountEmail)

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, UserID: 7, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-1", MainEventID: "copy-1", UserCanEdit: true,
			ContentHash: gcal.EventFingerprint(e),
		},
		Blocks: []models.BusyBlock{{ID: 31, MappingID: 5, CalendarID: b.ID, RemoteEventID: "blk-1"}},
	})

	assertSteps(t, plan, "commit_mapping")
	if n := plan.RemoteOps(); n != 0 {
		t.Fatalf("converged observation plans %d remote ops, want 0", n)
	}
	if got := plan.Steps[0].Mapping.MainEventID; got != "copy-1" {
		t.Errorf("commit keeps main event id %q, want copy-1", got)
	}
}

func TestBuildPlan_ManagedEventsAreEchoes(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	cals := []models.Calendar{main, a, b, p}

	block := timedEvent("blk-1", "Busy", "")
	block.Private = map[string]string{"busybridge_sync": "true"}
	plan := mustPlan(t, r, Observation{
		Change: gcal.Change{Kind: gcal.ChangeUpdated, Event: block},
		Origin: a, Main: main, Calendars: cals,
	})
	if len(plan.Steps) != 0 {
		t.Fatalf("managed event on client plans %v, want nothing", stepKinds(plan))
	}

	orphan := timedEvent("copy-x", "[Corp A] Standup", "")
	orphan.Private = map[string]string{"busybridge_sync": "true"}
	plan = mustPlan(t, r, Observation{
		Change: gcal.Change{Kind: gcal.ChangeUpdated, Event: orphan},
		Origin: main, Main: main, Calendars: cals,
	})
	if len(plan.Steps) != 0 {
		t.Fatalf("unmapped managed event on main plans %v, want nothing", stepKinds(plan))
	}
}

func TestBuildPlan_CopyEchoOnMain(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	e := timedEvent("copy-1", "[Corp A (me@corp-a.example)] Standup", "")

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    main,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-1", MainEventID: "copy-1", UserCanEdit: true,
			MainContentHash: gcal.EventFingerprint(e),
		},
		CopyOrigin: &a,
	})

	if len(plan.Steps) != 0 {
		t.Fatalf("echo of own copy write plans %v, want nothing", stepKinds(plan))
	}
}

func TestBuildPlan_CopyEditPropagatesToOrigin(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	label := gcal.SourceLabel(a.DisplayName, a.RemoteID, a.AccountEmail)

	e := timedEvent("copy-1", "["+label+"] Standup moved", "")
	e.Description = "bring slides\n\nBusyBridge source: " + label + "\n\nOriginal attendees: bob@corp-a.example"

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    main,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-1", MainEventID: "copy-1", UserCanEdit: true,
			MainContentHash: "stale",
		},
		CopyOrigin: &a,
	})

	assertSteps(t, plan, "propagate_to_origin", "commit_mapping")

	prop := plan.Steps[0]
	if prop.Target.CalendarID != a.ID || prop.EventID != "ev-1" {
		t.Errorf("propagation targets %+v event %q, want origin ev-1", prop.Target, prop.EventID)
	}
	if prop.Data.Summary != "Standup moved" {
		t.Errorf("propagated summary = %q, want copy dressing stripped", prop.Data.Summary)
	}
	if prop.Data.Description != "bring slides" {
		t.Errorf("propagated description = %q, want attribution sections stripped", prop.Data.Description)
	}
	if prop.Data.Transparency != "" || prop.Data.Visibility != "" {
		t.Errorf("propagation carries transparency/visibility %q/%q, want neither", prop.Data.Transparency, prop.Data.Visibility)
	}

	m := plan.Steps[1].Mapping
	if m.MainContentHash != gcal.EventFingerprint(e) {
		t.Errorf("commit main content hash = %q, want edited copy fingerprint", m.MainContentHash)
	}
	if !m.EventStart.Equal(e.Start.Time()) {
		t.Errorf("commit start = %v, want %v", m.EventStart, e.Start.Time())
	}
}

func TestBuildPlan_CopyEditOnReadOnlyOrigin(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	e := timedEvent("copy-1", "[Corp A] Standup moved", "")

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    main,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-1", MainEventID: "copy-1", UserCanEdit: false,
			MainContentHash: "stale",
		},
		CopyOrigin: &a,
	})

	if len(plan.Steps) != 0 {
		t.Fatalf("edit of read-only copy plans %v, want nothing", stepKinds(plan))
	}
}

func TestBuildPlan_PersonalOrigin(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	e := timedEvent("ev-p", "Dentist", p.AccountEmail)

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeCreated, Event: e},
		Origin:    p,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
	})

	assertSteps(t, plan, "upsert_main_busy", "commit_mapping", "upsert_block", "upsert_block")

	busy := plan.Steps[0]
	if busy.Data.Summary != "Busy (Personal)" || busy.Data.Transparency != "opaque" || busy.Data.Visibility != "private" {
		t.Errorf("personal main copy = %+v, want opaque private stand-in", busy.Data)
	}
	if busy.Data.Description != "" {
		t.Errorf("personal main copy leaks description %q", busy.Data.Description)
	}

	m := plan.Steps[1].Mapping
	if m.OriginType != models.RolePersonal || m.UserCanEdit {
		t.Errorf("mapping = %+v, want read-only personal origin", m)
	}

	gotTargets := []int64{plan.Steps[2].Target.CalendarID, plan.Steps[3].Target.CalendarID}
	if diff := cmp.Diff([]int64{a.ID, b.ID}, gotTargets); diff != "" {
		t.Errorf("block targets mismatch (-want +got):\n%s", diff)
	}
	for _, s := range plan.Steps[2:] {
		if s.Data.Summary != "Busy (Personal)" {
			t.Errorf("personal block summary = %q, want Busy (Personal)", s.Data.Summary)
		}
	}
}

func TestBuildPlan_MainOriginFanOut(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	e := timedEvent("ev-m", "Planning", main.AccountEmail)

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeCreated, Event: e},
		Origin:    main,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
	})

	assertSteps(t, plan, "commit_mapping", "upsert_block", "upsert_block")
	if n := plan.RemoteOps(); n != 2 {
		t.Fatalf("main origin plans %d remote ops, want 2 block writes", n)
	}

	m := plan.Steps[0].Mapping
	if m.OriginType != models.RoleMain || m.MainEventID != "" || m.MainContentHash != "" {
		t.Errorf("mapping = %+v, want main origin without copy", m)
	}

	gotTargets := []int64{plan.Steps[1].Target.CalendarID, plan.Steps[2].Target.CalendarID}
	if diff := cmp.Diff([]int64{a.ID, b.ID}, gotTargets); diff != "" {
		t.Errorf("block targets mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPlan_AllDayFreeDropsBlocksKeepsCopy(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	e := &gcal.Event{
		ID: "ev-2", Status: "confirmed", Summary: "OOO",
		Start: gcal.EventTime{Date: "2026-03-10"}, End: gcal.EventTime{Date: "2026-03-11"},
		Transparency: "transparent",
		Organizer:    &gcal.Person{Email: a.AccountEmail},
	}

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-2", MainEventID: "copy-2", UserCanEdit: true,
			ContentHash: "before-the-edit",
		},
		Blocks: []models.BusyBlock{{ID: 31, MappingID: 5, CalendarID: b.ID, RemoteEventID: "blk-2"}},
	})

	assertSteps(t, plan, "upsert_main_copy", "commit_mapping", "delete_block")
	if del := plan.Steps[2]; del.EventID != "blk-2" || del.Block == nil || del.Block.ID != 31 {
		t.Errorf("stale block delete = %+v, want remote blk-2 with its row", del)
	}
}

func TestBuildPlan_StaleBlockOnInactiveCalendarStays(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	b.IsActive = false
	r := testRules()
	e := timedEvent("ev-1", "Standup", a.AccountEmail)

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-1", MainEventID: "copy-1", UserCanEdit: true,
			ContentHash: "stale",
		},
		Blocks: []models.BusyBlock{{ID: 31, MappingID: 5, CalendarID: b.ID, RemoteEventID: "blk-1"}},
	})

	// The deactivated calendar is out of the fan-out and its leftover row is
	// not addressable: nothing in the plan may touch it.
	assertSteps(t, plan, "upsert_main_copy", "commit_mapping")
	for _, s := range plan.Steps {
		if s.Target.CalendarID == b.ID {
			t.Fatalf("plan touches deactivated calendar: %+v", s)
		}
	}
}

func TestBuildPlan_PersonalFreeTearsDown(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	e := &gcal.Event{
		ID: "ev-p", Status: "confirmed", Summary: "Errand",
		Start: gcal.EventTime{Date: "2026-03-10"}, End: gcal.EventTime{Date: "2026-03-11"},
		Transparency: "transparent",
	}

	obs := Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    p,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, OriginCalendarID: p.ID, OriginType: models.RolePersonal,
			OriginEventID: "ev-p", MainEventID: "copy-9",
		},
		Blocks: []models.BusyBlock{
			{ID: 31, MappingID: 5, CalendarID: a.ID, RemoteEventID: "blk-a"},
			{ID: 32, MappingID: 5, CalendarID: b.ID, RemoteEventID: "blk-b"},
		},
	}
	plan := mustPlan(t, r, obs)
	assertSteps(t, plan, "delete_main_copy", "delete_block", "delete_block", "delete_mapping")

	obs.Mapping = nil
	obs.Blocks = nil
	plan = mustPlan(t, r, obs)
	if len(plan.Steps) != 0 {
		t.Fatalf("untracked free personal event plans %v, want nothing", stepKinds(plan))
	}
}

func TestBuildPlan_OriginDeleted(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	stub := &gcal.Event{ID: "ev-1", Status: "cancelled"}

	obs := Observation{
		Change:    gcal.Change{Kind: gcal.ChangeDeleted, Event: stub},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-1", MainEventID: "copy-1", UserCanEdit: true,
		},
		Blocks: []models.BusyBlock{{ID: 31, MappingID: 5, CalendarID: b.ID, RemoteEventID: "blk-1"}},
	}

	plan := mustPlan(t, r, obs)
	assertSteps(t, plan, "delete_main_copy", "delete_block", "delete_mapping")

	obs.Mapping.Recurring = true
	plan = mustPlan(t, r, obs)
	assertSteps(t, plan, "delete_main_copy", "delete_block", "soft_delete_mapping")
}

func TestBuildPlan_DeleteWithoutMapping(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	stub := &gcal.Event{ID: "ev-???", Status: "cancelled"}

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeDeleted, Event: stub},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
	})
	if len(plan.Steps) != 0 {
		t.Fatalf("unknown deletion plans %v, want nothing", stepKinds(plan))
	}
}

func TestBuildPlan_CopyDeletedOnMain(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	stub := &gcal.Event{ID: "copy-1", Status: "cancelled"}

	obs := Observation{
		Change:    gcal.Change{Kind: gcal.ChangeDeleted, Event: stub},
		Origin:    main,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 5, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-1", MainEventID: "copy-1", UserCanEdit: true,
		},
		CopyOrigin: &a,
		Blocks:     []models.BusyBlock{{ID: 31, MappingID: 5, CalendarID: b.ID, RemoteEventID: "blk-1"}},
	}

	plan := mustPlan(t, r, obs)
	assertSteps(t, plan, "delete_origin", "delete_main_copy", "delete_block", "delete_mapping")
	if del := plan.Steps[0]; del.Target.CalendarID != a.ID || del.EventID != "ev-1" {
		t.Errorf("origin delete = %+v %q, want ev-1 on its origin", del.Target, del.EventID)
	}

	// Without edit rights the origin must stay untouched.
	obs.Mapping.UserCanEdit = false
	plan = mustPlan(t, r, obs)
	assertSteps(t, plan, "delete_main_copy", "delete_block", "delete_mapping")
}

func TestBuildPlan_ExceptionInstance(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()

	orig := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := &gcal.Event{
		ID: "ev-a_20260310T090000Z", Status: "confirmed", Summary: "Standup",
		Start:             gcal.EventTime{DateTime: orig.Add(time.Hour)},
		End:               gcal.EventTime{DateTime: orig.Add(2 * time.Hour)},
		RecurringEventID:  "ev-a",
		OriginalStartTime: gcal.EventTime{DateTime: orig},
		Organizer:         &gcal.Person{Email: a.AccountEmail},
	}

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Parent: &models.EventMapping{
			ID: 10, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-a", MainEventID: "copy-a", Recurring: true, UserCanEdit: true,
		},
		ParentBlocks: []models.BusyBlock{{ID: 20, MappingID: 10, CalendarID: b.ID, RemoteEventID: "blk-b"}},
	})

	assertSteps(t, plan, "upsert_main_copy", "commit_mapping", "upsert_block")

	cp := plan.Steps[0]
	if cp.EventID != "copy-a_20260310T090000Z" || !cp.UpdateOnly {
		t.Errorf("copy step = %q updateOnly=%v, want derived instance id, update only", cp.EventID, cp.UpdateOnly)
	}

	m := plan.Steps[1].Mapping
	if m.OriginRecurringEventID != "ev-a" || !m.Recurring {
		t.Errorf("child mapping = %+v, want linked to its series", m)
	}
	if m.MainEventID != "copy-a_20260310T090000Z" {
		t.Errorf("child main event id = %q, want derived instance id", m.MainEventID)
	}

	blk := plan.Steps[2]
	if blk.EventID != "blk-b_20260310T090000Z" || !blk.UpdateOnly {
		t.Errorf("block step = %q updateOnly=%v, want derived instance id, update only", blk.EventID, blk.UpdateOnly)
	}
	if blk.Target.CalendarID != b.ID {
		t.Errorf("block instance targets calendar %d, want %d", blk.Target.CalendarID, b.ID)
	}
}

func TestBuildPlan_ExceptionWithoutParent(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()

	orig := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	e := &gcal.Event{
		ID: "ev-x_20260310T090000Z", Status: "confirmed",
		Start:             gcal.EventTime{DateTime: orig},
		End:               gcal.EventTime{DateTime: orig.Add(time.Hour)},
		RecurringEventID:  "ev-x",
		OriginalStartTime: gcal.EventTime{DateTime: orig},
	}

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated, Event: e},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
	})
	if len(plan.Steps) != 0 {
		t.Fatalf("instance without a synced series plans %v, want nothing", stepKinds(plan))
	}
}

func TestBuildPlan_CancelledInstanceMapped(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()

	orig := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	stub := &gcal.Event{
		ID: "ev-a_20260310T090000Z", Status: "cancelled",
		RecurringEventID:  "ev-a",
		OriginalStartTime: gcal.EventTime{DateTime: orig},
	}

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeCancelled, Event: stub},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 11, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: stub.ID, OriginRecurringEventID: "ev-a",
			MainEventID: "copy-inst", Recurring: true, UserCanEdit: true,
		},
		Parent: &models.EventMapping{
			ID: 10, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-a", MainEventID: "copy-a", Recurring: true, UserCanEdit: true,
		},
		Blocks:       []models.BusyBlock{{ID: 21, MappingID: 11, CalendarID: b.ID, RemoteEventID: "blk-inst"}},
		ParentBlocks: []models.BusyBlock{{ID: 20, MappingID: 10, CalendarID: b.ID, RemoteEventID: "blk-b"}},
	})

	assertSteps(t, plan, "delete_main_copy", "delete_block", "soft_delete_mapping")
	if got := plan.Steps[0].EventID; got != "copy-inst" {
		t.Errorf("copy delete targets %q, want the instance's own copy", got)
	}
	if got := plan.Steps[1].EventID; got != "blk-inst" {
		t.Errorf("block delete targets %q, want the instance's own block", got)
	}
}

func TestBuildPlan_CancelledInstanceUnmapped(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()

	orig := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	stub := &gcal.Event{
		ID: "ev-a_20260310T090000Z", Status: "cancelled",
		RecurringEventID:  "ev-a",
		OriginalStartTime: gcal.EventTime{DateTime: orig},
	}

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeCancelled, Event: stub},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Parent: &models.EventMapping{
			ID: 10, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-a", MainEventID: "copy-a", Recurring: true, UserCanEdit: true,
		},
		ParentBlocks: []models.BusyBlock{{ID: 20, MappingID: 10, CalendarID: b.ID, RemoteEventID: "blk-b"}},
	})

	assertSteps(t, plan, "delete_main_copy", "delete_block", "soft_delete_mapping")
	if got := plan.Steps[0].EventID; got != "copy-a_20260310T090000Z" {
		t.Errorf("copy delete targets %q, want derived instance id", got)
	}
	if got := plan.Steps[1].EventID; got != "blk-b_20260310T090000Z" {
		t.Errorf("block delete targets %q, want derived instance id", got)
	}

	tomb := plan.Steps[2].Mapping
	if tomb.ID != 0 || tomb.OriginEventID != stub.ID || !tomb.Recurring {
		t.Errorf("tombstone = %+v, want new child row for the cancelled occurrence", tomb)
	}
	if tomb.OriginRecurringEventID != "ev-a" {
		t.Errorf("tombstone series link = %q, want ev-a", tomb.OriginRecurringEventID)
	}
}

func TestBuildPlan_CancelledInstanceReplayed(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()

	orig := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	stub := &gcal.Event{
		ID: "ev-a_20260310T090000Z", Status: "cancelled",
		RecurringEventID:  "ev-a",
		OriginalStartTime: gcal.EventTime{DateTime: orig},
	}
	deletedAt := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeCancelled, Event: stub},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
		Mapping: &models.EventMapping{
			ID: 11, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: stub.ID, Recurring: true, DeletedAt: &deletedAt,
		},
		Parent: &models.EventMapping{
			ID: 10, OriginCalendarID: a.ID, OriginType: models.RoleClient,
			OriginEventID: "ev-a", MainEventID: "copy-a", Recurring: true,
		},
		ParentBlocks: []models.BusyBlock{{ID: 20, MappingID: 10, CalendarID: b.ID, RemoteEventID: "blk-b"}},
	})

	if len(plan.Steps) != 0 {
		t.Fatalf("replayed cancellation plans %v, want nothing", stepKinds(plan))
	}
}

func TestBuildPlan_RecurrenceTravelsVerbatim(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()
	rule := []string{"RRULE:FREQ=WEEKLY;BYDAY=MO", "EXDATE;TZID=Europe/Riga:20260317T090000"}

	e := timedEvent("ev-r", "Weekly", a.AccountEmail)
	e.Recurrence = rule

	plan := mustPlan(t, r, Observation{
		Change:    gcal.Change{Kind: gcal.ChangeCreated, Event: e},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
	})

	assertSteps(t, plan, "upsert_main_copy", "commit_mapping", "upsert_block")
	if diff := cmp.Diff(rule, plan.Steps[0].Data.Recurrence); diff != "" {
		t.Errorf("copy recurrence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(rule, plan.Steps[2].Data.Recurrence); diff != "" {
		t.Errorf("block recurrence mismatch (-want +got):\n%s", diff)
	}
	if !plan.Steps[1].Mapping.Recurring {
		t.Error("mapping not marked recurring")
	}
}

func TestBuildPlan_NilEvent(t *testing.T) {
	t.Parallel()
	main, a, b, p := testCalendars()
	r := testRules()

	_, err := r.BuildPlan(Observation{
		Change:    gcal.Change{Kind: gcal.ChangeUpdated},
		Origin:    a,
		Main:      main,
		Calendars: []models.Calendar{main, a, b, p},
	})
	if err == nil {
		t.Fatal("expected error for observation without event")
	}
}
