package models

import "time"

type AlertKind string

const (
	AlertTokenRevoked              AlertKind = "token_revoked"
	AlertCalendarInaccessible      AlertKind = "calendar_inaccessible"
	AlertConsecutiveFailures       AlertKind = "consecutive_failures"
	AlertReconciliationDiscrepancy AlertKind = "reconciliation_discrepancy"
)

// Alert is a queued operator notification. Rows stay queued until a dispatch
// succeeds or the attempt limit is reached.
type Alert struct {
	ID          int64
	UserID      int64
	CalendarID  *int64
	Kind        AlertKind
	Detail      string
	Attempts    int
	LastAttempt *time.Time
	SentAt      *time.Time
	CreatedAt   time.Time
}
