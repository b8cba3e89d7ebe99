package mocks

import (
	"context"
	"errors"
	"sync"

	berrors "github.com/serverpki/serverpki/errors"
	"github.com/serverpki/serverpki/lock"
)

// Locker is an in-process lock.Locker.
type Locker struct {
	sync.Mutex
	held    bool
	current *lease
	// Acquired counts successful Acquire calls.
	Acquired int
}

var _ lock.Locker = (*Locker)(nil)

func (l *Locker) Acquire(_ context.Context) (lock.Lease, error) {
	l.Lock()
	defer l.Unlock()
	if l.held {
		return nil, berrors.LockedError("lock %q is held", lock.Name)
	}
	l.held = true
	l.Acquired++
	l.current = &lease{l: l, lost: make(chan struct{})}
	return l.current, nil
}

// Lose marks the current lease as lost, as when another process takes the
// lock over.
func (l *Locker) Lose() {
	l.Lock()
	defer l.Unlock()
	if l.current != nil && !l.current.isLost {
		l.current.isLost = true
		close(l.current.lost)
	}
}

// Held reports whether the lock is taken.
func (l *Locker) Held() bool {
	l.Lock()
	defer l.Unlock()
	return l.held
}

type lease struct {
	l        *Locker
	released bool
	lost     chan struct{}
	isLost   bool
}

func (le *lease) Lost() <-chan struct{} {
	return le.lost
}

func (le *lease) Release(_ context.Context) error {
	le.l.Lock()
	defer le.l.Unlock()
	if le.released {
		return errors.New("lease released twice")
	}
	le.released = true
	le.l.held = false
	le.l.current = nil
	return nil
}
