package gcal

import (
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
)

func TestEventTimeFromAPI_NamedTimeZonePreserved(t *testing.T) {
	t.Parallel()

	got, err := eventTimeFromAPI(&calendar.EventDateTime{
		DateTime: "2026-01-05T10:00:00-05:00",
		TimeZone: "America/New_York",
	})
	if err != nil {
		t.Fatalf("eventTimeFromAPI error: %v", err)
	}
	if got.TimeZone != "America/New_York" {
		t.Errorf("timeZone: got %q, want America/New_York", got.TimeZone)
	}
}

func TestEventTimeFromAPI_UTCSuffix(t *testing.T) {
	t.Parallel()

	got, err := eventTimeFromAPI(&calendar.EventDateTime{DateTime: "2026-03-10T15:00:00Z"})
	if err != nil {
		t.Fatalf("eventTimeFromAPI error: %v", err)
	}
	if got.TimeZone != "UTC" {
		t.Errorf("timeZone: got %q, want UTC", got.TimeZone)
	}
}

func TestEventTimeFromAPI_FixedOffsetOmitsTimeZone(t *testing.T) {
	t.Parallel()

	// A bare numeric offset must not be promoted to "UTC": that would
	// re-anchor recurring blocks and make them drift across DST changes.
	got, err := eventTimeFromAPI(&calendar.EventDateTime{DateTime: "2026-01-05T10:00:00-05:00"})
	if err != nil {
		t.Fatalf("eventTimeFromAPI error: %v", err)
	}
	if got.TimeZone != "" {
		t.Errorf("timeZone: got %q, want empty", got.TimeZone)
	}
	if got.DateTime.Format(time.RFC3339) != "2026-01-05T10:00:00-05:00" {
		t.Errorf("dateTime not preserved: %s", got.DateTime.Format(time.RFC3339))
	}
}

func TestEventTimeFromAPI_AllDay(t *testing.T) {
	t.Parallel()

	got, err := eventTimeFromAPI(&calendar.EventDateTime{Date: "2024-01-15"})
	if err != nil {
		t.Fatalf("eventTimeFromAPI error: %v", err)
	}
	if !got.IsAllDay() || got.Date != "2024-01-15" {
		t.Errorf("all-day not detected: %+v", got)
	}
}

func TestEventTimeFromAPI_BadTimestamp(t *testing.T) {
	t.Parallel()

	_, err := eventTimeFromAPI(&calendar.EventDateTime{DateTime: "not-a-time"})
	if err == nil {
		t.Fatalf("expected parse error, got nil")
	}
}

func TestEventTimeToAPI(t *testing.T) {
	t.Parallel()

	allDay := EventTime{Date: "2024-01-15"}.toAPI()
	if allDay.Date != "2024-01-15" || allDay.DateTime != "" {
		t.Errorf("all-day: %+v", allDay)
	}

	loc := time.FixedZone("", -5*3600)
	timed := EventTime{DateTime: time.Date(2026, 1, 5, 10, 0, 0, 0, loc)}.toAPI()
	if timed.DateTime != "2026-01-05T10:00:00-05:00" {
		t.Errorf("dateTime: got %q", timed.DateTime)
	}
	if timed.TimeZone != "" {
		t.Errorf("timeZone must stay empty without a named zone, got %q", timed.TimeZone)
	}

	zoned := EventTime{DateTime: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC), TimeZone: "UTC"}.toAPI()
	if zoned.TimeZone != "UTC" {
		t.Errorf("timeZone: got %q, want UTC", zoned.TimeZone)
	}
}

func TestInstanceEventID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		parentID string
		start    EventTime
		want     string
	}{
		{
			"utc",
			"abc123",
			EventTime{DateTime: time.Date(2026, 2, 27, 15, 0, 0, 0, time.UTC)},
			"abc123_20260227T150000Z",
		},
		{
			"negative offset converted to utc",
			"rec456",
			EventTime{DateTime: time.Date(2026, 2, 27, 10, 0, 0, 0, time.FixedZone("", -5*3600))},
			"rec456_20260227T150000Z",
		},
		{
			"positive offset converted to utc",
			"evt789",
			EventTime{DateTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("", 1*3600))},
			"evt789_20260301T110000Z",
		},
		{
			"all-day",
			"allday001",
			EventTime{Date: "2026-04-10"},
			"allday001_20260410",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := InstanceEventID(tt.parentID, tt.start)
			if err != nil {
				t.Fatalf("InstanceEventID error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInstanceEventID_Errors(t *testing.T) {
	t.Parallel()

	if _, err := InstanceEventID("", EventTime{Date: "2026-04-10"}); err == nil {
		t.Errorf("expected error for empty parent id")
	}
	if _, err := InstanceEventID("parent", EventTime{}); err == nil {
		t.Errorf("expected error for empty original start")
	}
}

func TestEventFromAPI(t *testing.T) {
	t.Parallel()

	src := &calendar.Event{
		Id:          "ev1",
		Status:      "confirmed",
		Summary:     "Client Meeting",
		Description: "notes",
		Location:    "Room A",
		Start:       &calendar.EventDateTime{DateTime: "2024-01-15T10:00:00Z"},
		End:         &calendar.EventDateTime{DateTime: "2024-01-15T11:00:00Z"},
		Created:     "2024-01-10T08:00:00Z",
		Updated:     "2024-01-12T09:30:00Z",
		Recurrence:  []string{"RRULE:FREQ=WEEKLY"},
		Attendees: []*calendar.EventAttendee{
			{Email: "a@example.com", ResponseStatus: "accepted", Self: true},
		},
		Organizer:       &calendar.EventOrganizer{Email: "org@example.com", Self: false},
		Creator:         &calendar.EventCreator{Email: "c@example.com"},
		GuestsCanModify: true,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{"busybridge_sync": "true"},
		},
	}

	e, err := eventFromAPI(src)
	if err != nil {
		t.Fatalf("eventFromAPI error: %v", err)
	}

	if e.ID != "ev1" || e.Summary != "Client Meeting" || e.Location != "Room A" {
		t.Errorf("basic fields: %+v", e)
	}
	if e.Start.TimeZone != "UTC" {
		t.Errorf("start timeZone: got %q", e.Start.TimeZone)
	}
	if !e.Recurring() {
		t.Errorf("expected recurring")
	}
	if len(e.Attendees) != 1 || !e.Attendees[0].Self {
		t.Errorf("attendees: %+v", e.Attendees)
	}
	if e.Organizer == nil || e.Organizer.Email != "org@example.com" {
		t.Errorf("organizer: %+v", e.Organizer)
	}
	if !e.GuestsCanModify {
		t.Errorf("guestsCanModify lost")
	}
	if e.Private["busybridge_sync"] != "true" {
		t.Errorf("private properties: %v", e.Private)
	}
	if e.Created.IsZero() || e.Updated.IsZero() {
		t.Errorf("created/updated not parsed")
	}
}

func TestEventFromAPI_BadStart(t *testing.T) {
	t.Parallel()

	_, err := eventFromAPI(&calendar.Event{
		Id:    "ev1",
		Start: &calendar.EventDateTime{DateTime: "garbage"},
	})
	if err == nil {
		t.Fatalf("expected error for malformed start")
	}
}

func TestEventDataToAPI_StampsMarker(t *testing.T) {
	t.Parallel()

	d := &EventData{
		Summary: "Busy",
		Start:   EventTime{DateTime: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), TimeZone: "UTC"},
		End:     EventTime{DateTime: time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC), TimeZone: "UTC"},
	}

	ev := d.toAPI("busybridge_sync")

	if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private["busybridge_sync"] != "true" {
		t.Fatalf("marker not stamped: %+v", ev.ExtendedProperties)
	}
	if ev.Start.DateTime == "" || ev.End.DateTime == "" {
		t.Errorf("start/end not converted: %+v %+v", ev.Start, ev.End)
	}
}

func TestEventHelpers(t *testing.T) {
	t.Parallel()

	exception := &Event{ID: "p_20240115T100000Z", RecurringEventID: "p"}
	if !exception.IsException() || !exception.Recurring() {
		t.Errorf("exception flags: %+v", exception)
	}

	cancelled := &Event{ID: "x", Status: "cancelled"}
	if !cancelled.Cancelled() {
		t.Errorf("cancelled flag")
	}

	allDay := &Event{ID: "y", Start: EventTime{Date: "2024-01-15"}}
	if !allDay.AllDay() {
		t.Errorf("all-day flag")
	}
}
