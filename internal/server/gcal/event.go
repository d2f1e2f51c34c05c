package gcal

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
)

// EventTime is either a timed point (DateTime, optional TimeZone) or an
// all-day date (Date, "2006-01-02").
type EventTime struct {
	DateTime time.Time
	Date     string
	TimeZone string
}

func (t EventTime) IsAllDay() bool { return t.Date != "" }

func (t EventTime) IsZero() bool { return t.Date == "" && t.DateTime.IsZero() }

// Time returns a comparable instant: the timed point, or midnight UTC of the
// all-day date.
func (t EventTime) Time() time.Time {
	if t.Date != "" {
		d, err := time.Parse("2006-01-02", t.Date)
		if err != nil {
			return time.Time{}
		}
		return d
	}
	return t.DateTime
}

// normalizeTimeZone decides the timeZone field for a parsed dateTime. A named
// zone is kept. A trailing 'Z' means UTC. A bare fixed offset yields no zone
// at all: attaching "UTC" to it would re-anchor recurring events to UTC wall
// time and make them drift an hour across DST transitions.
func normalizeTimeZone(raw, tz string) string {
	if tz != "" {
		return tz
	}
	if strings.HasSuffix(raw, "Z") {
		return "UTC"
	}
	return ""
}

func eventTimeFromAPI(dt *calendar.EventDateTime) (EventTime, error) {
	if dt == nil {
		return EventTime{}, nil
	}
	if dt.Date != "" {
		return EventTime{Date: dt.Date}, nil
	}
	if dt.DateTime == "" {
		return EventTime{}, nil
	}
	ts, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return EventTime{}, fmt.Errorf("parse event time %q: %w", dt.DateTime, err)
	}
	return EventTime{DateTime: ts, TimeZone: normalizeTimeZone(dt.DateTime, dt.TimeZone)}, nil
}

func (t EventTime) toAPI() *calendar.EventDateTime {
	if t.Date != "" {
		return &calendar.EventDateTime{Date: t.Date}
	}
	dt := &calendar.EventDateTime{DateTime: t.DateTime.Format(time.RFC3339)}
	if t.TimeZone != "" {
		dt.TimeZone = t.TimeZone
	}
	return dt
}

type Attendee struct {
	Email          string
	ResponseStatus string
	Self           bool
}

type Person struct {
	Email string
	Self  bool
}

// Event is the read model for a remote event. Conversions to and from the
// wire format live in this package only.
type Event struct {
	ID                string
	Etag              string
	Status            string
	Summary           string
	Description       string
	Location          string
	Start             EventTime
	End               EventTime
	Transparency      string
	Visibility        string
	ColorID           string
	Recurrence        []string
	RecurringEventID  string
	OriginalStartTime EventTime
	Attendees         []Attendee
	Organizer         *Person
	Creator           *Person
	GuestsCanModify   bool
	Private           map[string]string
	Created           time.Time
	Updated           time.Time
}

func (e *Event) AllDay() bool { return e.Start.IsAllDay() }

func (e *Event) Cancelled() bool { return e.Status == "cancelled" }

func (e *Event) Recurring() bool { return len(e.Recurrence) > 0 || e.RecurringEventID != "" }

// IsException reports whether the event is a modified or cancelled instance
// of a recurring series.
func (e *Event) IsException() bool { return e.RecurringEventID != "" }

func eventFromAPI(ev *calendar.Event) (*Event, error) {
	start, err := eventTimeFromAPI(ev.Start)
	if err != nil {
		return nil, err
	}
	end, err := eventTimeFromAPI(ev.End)
	if err != nil {
		return nil, err
	}
	origStart, err := eventTimeFromAPI(ev.OriginalStartTime)
	if err != nil {
		return nil, err
	}

	e := &Event{
		ID:                ev.Id,
		Etag:              ev.Etag,
		Status:            ev.Status,
		Summary:           ev.Summary,
		Description:       ev.Description,
		Location:          ev.Location,
		Start:             start,
		End:               end,
		Transparency:      ev.Transparency,
		Visibility:        ev.Visibility,
		ColorID:           ev.ColorId,
		Recurrence:        ev.Recurrence,
		RecurringEventID:  ev.RecurringEventId,
		OriginalStartTime: origStart,
		GuestsCanModify:   ev.GuestsCanModify,
	}

	if ev.Created != "" {
		if ts, err := time.Parse(time.RFC3339, ev.Created); err == nil {
			e.Created = ts
		}
	}
	if ev.Updated != "" {
		if ts, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			e.Updated = ts
		}
	}

	for _, a := range ev.Attendees {
		e.Attendees = append(e.Attendees, Attendee{
			Email:          a.Email,
			ResponseStatus: a.ResponseStatus,
			Self:           a.Self,
		})
	}
	if ev.Organizer != nil {
		e.Organizer = &Person{Email: ev.Organizer.Email, Self: ev.Organizer.Self}
	}
	if ev.Creator != nil {
		e.Creator = &Person{Email: ev.Creator.Email, Self: ev.Creator.Self}
	}
	if ev.ExtendedProperties != nil && ev.ExtendedProperties.Private != nil {
		e.Private = ev.ExtendedProperties.Private
	}

	return e, nil
}

// EventData is the write payload. It deliberately has no attendee field:
// copies and blocks must never invite anyone.
type EventData struct {
	Summary      string
	Description  string
	Location     string
	Start        EventTime
	End          EventTime
	Transparency string
	Visibility   string
	ColorID      string
	Recurrence   []string
}

// toAPI builds the wire event and stamps the management marker so every
// object this engine writes is recognizable later.
func (d *EventData) toAPI(tag string) *calendar.Event {
	ev := &calendar.Event{
		Summary:      d.Summary,
		Description:  d.Description,
		Location:     d.Location,
		Start:        d.Start.toAPI(),
		End:          d.End.toAPI(),
		Transparency: d.Transparency,
		Visibility:   d.Visibility,
		ColorId:      d.ColorID,
		Recurrence:   d.Recurrence,
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{tag: "true"},
		},
	}
	return ev
}

// toPatchAPI builds a partial wire event: zero-value fields marshal as
// absent, so the remote keeps them. No marker is stamped; patches target
// events that are not ours.
func (d *EventData) toPatchAPI() *calendar.Event {
	ev := &calendar.Event{
		Summary:      d.Summary,
		Description:  d.Description,
		Location:     d.Location,
		Transparency: d.Transparency,
		Visibility:   d.Visibility,
		ColorId:      d.ColorID,
		Recurrence:   d.Recurrence,
	}
	if !d.Start.IsZero() {
		ev.Start = d.Start.toAPI()
	}
	if !d.End.IsZero() {
		ev.End = d.End.toAPI()
	}
	return ev
}

// InstanceEventID derives the id of a specific instance of a recurring
// series: {parent}_{YYYYMMDDTHHMMSSZ} in UTC for timed events,
// {parent}_{YYYYMMDD} for all-day ones.
func InstanceEventID(parentID string, originalStart EventTime) (string, error) {
	if parentID == "" {
		return "", fmt.Errorf("instance event id: empty parent id")
	}
	if originalStart.Date != "" {
		return parentID + "_" + strings.ReplaceAll(originalStart.Date, "-", ""), nil
	}
	if originalStart.DateTime.IsZero() {
		return "", fmt.Errorf("instance event id: empty original start")
	}
	return parentID + "_" + originalStart.DateTime.UTC().Format("20060102T150405Z"), nil
}
