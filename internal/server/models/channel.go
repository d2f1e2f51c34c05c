package models

import "time"

// WebhookChannel is a push notification channel registered with the provider
// for one calendar. ID is the uuid we announce; ResourceID is assigned by the
// provider and echoed back on every notification.
type WebhookChannel struct {
	ID         string
	UserID     int64
	CalendarID int64
	ResourceID string
	Token      string
	Expiration time.Time
	CreatedAt  time.Time
}
