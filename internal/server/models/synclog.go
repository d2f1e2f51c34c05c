package models

import "time"

const (
	SyncLogStatusSuccess = "success"
	SyncLogStatusFailure = "failure"
	SyncLogStatusSkipped = "skipped"
)

type SyncLogEntry struct {
	ID int64
	// UserID 0 marks a system-wide entry (retention, backup).
	UserID     int64
	CalendarID *int64
	Action     string
	Status     string
	// Details is a JSON document; shape varies by action.
	Details   string
	CreatedAt time.Time
}
