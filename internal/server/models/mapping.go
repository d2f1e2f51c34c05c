package models

import "time"

// EventMapping ties one origin event to everything the engine created for it.
// The identity is (UserID, OriginCalendarID, OriginEventID); an event that
// appears on several calendars yields several independent mappings.
type EventMapping struct {
	ID               int64
	UserID           int64
	OriginCalendarID int64
	// OriginType mirrors the origin calendar's role at mapping time.
	OriginType    CalendarRole
	OriginEventID string
	// OriginRecurringEventID links an instance exception to its parent
	// mapping's origin event. Empty for non-exception events.
	OriginRecurringEventID string
	// MainEventID is the id of the copy on the main calendar. Empty exactly
	// when the origin is the main calendar itself (the copy would be the
	// origin).
	MainEventID string

	// Snapshot of the origin's last observed temporal shape, used to detect
	// no-op updates without a remote read.
	EventStart time.Time
	EventEnd   time.Time
	AllDay     bool
	Recurring  bool

	// UserCanEdit records whether edits to the main copy may be written back
	// to the origin. Re-evaluated on every origin update.
	UserCanEdit bool

	// ContentHash fingerprints the origin event as last processed; an
	// observation with a matching hash is already converged and yields no
	// remote writes. MainContentHash fingerprints the copy we last wrote to
	// the main calendar, which is how an edit to the copy is told apart from
	// the echo of our own write.
	ContentHash     string
	MainContentHash string

	// DeletedAt soft-deletes the mapping. Only recurring mappings are
	// soft-deleted so late exception updates can still find their parent.
	DeletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deleted reports whether the mapping has been soft-deleted.
func (m *EventMapping) Deleted() bool {
	return m.DeletedAt != nil
}

// BusyBlock is one opaque marker event the engine maintains on a calendar for
// a mapping. (MappingID, CalendarID) is unique: one block per calendar per
// origin event.
type BusyBlock struct {
	ID            int64
	MappingID     int64
	CalendarID    int64
	RemoteEventID string
	// SourceKind is the origin's role; personal origins get a different
	// block title than client or main origins.
	SourceKind CalendarRole
	CreatedAt  time.Time
}
