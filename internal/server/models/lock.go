package models

import "time"

// SyncLock is a database-backed lease. A lock is free when expired; taking it
// over is a single compare-and-set upsert, never a delete followed by an
// insert.
type SyncLock struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}
