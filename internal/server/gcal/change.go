package gcal

import (
	"fmt"
	"time"
)

// ChangeKind is a closed set: every event coming off a listing is forced
// into exactly one of these before any sync logic sees it.
type ChangeKind int

const (
	// ChangeCreated is a new event (created and updated stamps match).
	ChangeCreated ChangeKind = iota
	// ChangeUpdated is a modification of an existing event.
	ChangeUpdated
	// ChangeCancelled is a cancelled instance of a recurring series; the
	// series itself lives on.
	ChangeCancelled
	// ChangeDeleted is a removed event (or a removed whole series).
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeCancelled:
		return "cancelled"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

type Change struct {
	Kind  ChangeKind
	Event *Event
}

// ChangeSet is one page-complete listing result. FullResyncRequired is set
// when the server expired our sync token (HTTP 410); the caller must relist
// with an empty cursor.
type ChangeSet struct {
	Changes            []Change
	NextCursor         string
	FullResyncRequired bool
}

// classifyChange validates the event and assigns its kind. A validation
// failure means the event is skipped, never forwarded half-formed.
func classifyChange(e *Event) (Change, error) {
	if e.ID == "" {
		return Change{}, &Error{Class: Validation, err: fmt.Errorf("event without id")}
	}

	if e.Cancelled() {
		// A cancelled exception still references its series; a cancelled
		// standalone (or whole series) is a deletion.
		if e.RecurringEventID != "" {
			return Change{Kind: ChangeCancelled, Event: e}, nil
		}
		return Change{Kind: ChangeDeleted, Event: e}, nil
	}

	if e.Start.IsZero() || e.End.IsZero() {
		return Change{}, &Error{Class: Validation, err: fmt.Errorf("event %s without start/end", e.ID)}
	}

	if !e.Created.IsZero() && e.Created.Truncate(time.Second).Equal(e.Updated.Truncate(time.Second)) {
		return Change{Kind: ChangeCreated, Event: e}, nil
	}
	return Change{Kind: ChangeUpdated, Event: e}, nil
}
