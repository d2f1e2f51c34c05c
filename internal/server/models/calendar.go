// Package models defines the data types persisted by the sync engine.
package models

import "time"

// CalendarRole determines how events on a calendar are treated.
type CalendarRole string

const (
	// RoleMain is the user's aggregation calendar. It receives full-detail
	// copies of client events and opaque blocks for personal events.
	RoleMain CalendarRole = "main"
	// RoleClient is a work calendar. Its events are copied to main in full
	// detail; events elsewhere appear on it as opaque busy blocks.
	RoleClient CalendarRole = "client"
	// RolePersonal is a read-only origin. Events flow out of it as opaque
	// blocks; nothing is ever written to it.
	RolePersonal CalendarRole = "personal"
)

// Calendar is one connected calendar of a user, together with its sync
// position. The cursor and failure counters live on the same row so a sync
// pass updates them atomically with its outcome.
type Calendar struct {
	ID           int64
	UserID       int64
	Role         CalendarRole
	AccountEmail string
	// RemoteID is the calendar's id at the provider ("primary" or an address).
	RemoteID    string
	DisplayName string
	ColorID     string
	IsActive    bool
	// DisconnectedAt is set when the calendar is deactivated; rows older than
	// the retention window are purged.
	DisconnectedAt *time.Time

	// Cursor is the incremental sync token. Empty forces a full window listing.
	Cursor              string
	LastFullSync        *time.Time
	LastIncrementalSync *time.Time
	ConsecutiveFailures int
	LastError           string

	CreatedAt time.Time
	UpdatedAt time.Time
}
