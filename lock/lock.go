// Package lock provides the per-match execution lease. Exactly one
// executor may drive a match's settlement at a time; the lease's TTL must
// outlive the executor's worst-case retry budget so it never expires under
// a live attempt.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeld reports that another holder owns the lease.
	ErrHeld = errors.New("lock: already held")

	// ErrNotHeld reports a release of a lease that expired and may have
	// been claimed by someone else. The caller's work after expiry ran
	// unprotected and should be treated as suspect.
	ErrNotHeld = errors.New("lock: lease not held")
)

// Lease is one granted lock. Release is not idempotent: releasing twice,
// or after expiry, returns ErrNotHeld.
type Lease interface {
	// Key returns the locked key.
	Key() string

	// Release frees the lease if this holder still owns it.
	Release(ctx context.Context) error
}

// Locker grants leases. Implementations must be safe for concurrent use.
type Locker interface {
	// Acquire takes the lease for key, failing fast with ErrHeld when
	// another holder owns it. There is no blocking variant: the sweeper
	// simply skips a match someone else is executing.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
