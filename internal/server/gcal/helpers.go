package gcal

import "strings"

// SourceLabel names the calendar an event came from, for the main-copy
// summary and attribution line. Falls back from display name to remote id to
// account email, and appends the email when the label does not carry it.
func SourceLabel(displayName, remoteID, accountEmail string) string {
	label := displayName
	if label == "" {
		label = remoteID
	}
	if label == "" {
		label = accountEmail
	}
	if accountEmail != "" && !strings.Contains(label, accountEmail) {
		label = label + " (" + accountEmail + ")"
	}
	return label
}

// BusyBlockBody builds the opaque marker for an event: no detail beyond the
// occupied time. Start, end and recurrence travel verbatim from the source so
// a recurring series stays one recurring block, never expanded.
func BusyBlockBody(e *Event, title, prefix string) *EventData {
	return &EventData{
		Summary:      strings.TrimSpace(prefix + " " + title),
		Description:  "",
		Visibility:   "private",
		Transparency: "opaque",
		Start:        e.Start,
		End:          e.End,
		Recurrence:   e.Recurrence,
	}
}

// CopyForMain builds the full-detail copy of an origin event for the main
// calendar. Attendees are folded into the description instead of being
// carried over: the copy must never send invitations.
func CopyForMain(e *Event, sourceLabel, colorID, prefix string) *EventData {
	summary := e.Summary
	if summary == "" {
		summary = "Untitled Event"
	}
	if sourceLabel != "" {
		summary = "[" + sourceLabel + "] " + summary
	}

	desc := e.Description
	if sourceLabel != "" {
		desc = appendSection(desc, "BusyBridge source: "+sourceLabel)
	}
	if emails := attendeeEmails(e.Attendees); len(emails) > 0 {
		desc = appendSection(desc, "Original attendees: "+strings.Join(emails, ", "))
	}

	transparency := e.Transparency
	if transparency == "" {
		transparency = "opaque"
	}

	return &EventData{
		Summary:      strings.TrimSpace(prefix + " " + summary),
		Description:  desc,
		Location:     e.Location,
		Start:        e.Start,
		End:          e.End,
		Transparency: transparency,
		ColorID:      colorID,
		Recurrence:   e.Recurrence,
	}
}

// ShouldCreateBusyBlock decides whether an event occupies time on other
// calendars. Cancelled events, events the owner declined, and all-day events
// marked show-as-free produce no blocks.
func ShouldCreateBusyBlock(e *Event) bool {
	if e.Cancelled() {
		return false
	}
	for _, a := range e.Attendees {
		if a.Self && a.ResponseStatus == "declined" {
			return false
		}
	}
	if e.AllDay() && e.Transparency == "transparent" {
		return false
	}
	return true
}

// CanUserEdit reports whether the calendar owner may modify the event:
// organizer, creator, or guestsCanModify granted.
func CanUserEdit(e *Event, userEmail string) bool {
	if e.Organizer != nil {
		if strings.EqualFold(e.Organizer.Email, userEmail) || e.Organizer.Self {
			return true
		}
	}
	if e.GuestsCanModify {
		return true
	}
	if e.Creator != nil {
		if strings.EqualFold(e.Creator.Email, userEmail) || e.Creator.Self {
			return true
		}
	}
	return false
}

func appendSection(desc, section string) string {
	return strings.TrimSpace(desc + "\n\n" + section)
}

func attendeeEmails(attendees []Attendee) []string {
	var emails []string
	for _, a := range attendees {
		if a.Email != "" {
			emails = append(emails, a.Email)
		}
	}
	return emails
}
