// Package lock provides the process-level mutual exclusion that keeps a
// renewal batch and a key maintenance run from interleaving.
package lock

import (
	"context"

	berrors "github.com/serverpki/serverpki/errors"
)

// Name is the lock every serverpki run takes.
const Name = "serverpki"

// Lease is a held lock.
type Lease interface {
	// Release gives the lock up. Releasing twice is an error.
	Release(ctx context.Context) error
	// Lost is closed once the lock is known to be held by someone else or
	// by no one. It stays open after Release.
	Lost() <-chan struct{}
}

// Check returns a Locked error once lease is lost. Writes that rely on the
// lock call it right before they write.
func Check(lease Lease) error {
	select {
	case <-lease.Lost():
		return berrors.LockedError("lock %q was lost", Name)
	default:
		return nil
	}
}

// Locker hands out the exclusive lock. Acquire returns a Locked error when
// another holder does not give the lock up within the locker's wait time.
type Locker interface {
	Acquire(ctx context.Context) (Lease, error)
}
