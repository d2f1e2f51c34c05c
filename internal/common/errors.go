// Package common defines shared constants and sentinel errors used across
// BusyBridge components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal = errors.New("internal error")

	// ErrLockHeld means another owner currently holds the lease; the caller
	// is expected to skip the pass, not retry.
	ErrLockHeld = errors.New("lock held by another owner")

	// Webhook channel token errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")

	// Calendar lifecycle errors.
	ErrCalendarInactive = errors.New("calendar inactive")
)
