package locks

import (
	"context"
	"time"
)

// Repository is a database-backed lease lock. Acquire is a single
// compare-and-set statement so two processes can never both win a name, even
// when racing over an expired row.
type Repository interface {
	// Acquire takes the named lock for owner until now+ttl. Returns
	// common.ErrLockHeld when another owner holds an unexpired lease.
	// Re-acquiring one's own lock extends it.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) error
	// Release drops the lock if owner still holds it. Releasing a lock held
	// by someone else is a no-op.
	Release(ctx context.Context, name, owner string) error
	// DeleteExpiredBefore removes stale rows; lost leases are harmless but
	// the table should not grow without bound.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
