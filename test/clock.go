package test

import (
	"time"

	"github.com/jmhodges/clock"
)

// AdvancingClock is a fake clock whose timers fire at once, moving the
// clock forward by their duration. Code that waits on After runs without
// real delays and still sees time pass.
type AdvancingClock struct {
	clock.FakeClock
}

// NewAdvancingClock returns an AdvancingClock set to now.
func NewAdvancingClock(now time.Time) AdvancingClock {
	fc := clock.NewFake()
	fc.Set(now)
	return AdvancingClock{FakeClock: fc}
}

func (c AdvancingClock) After(d time.Duration) <-chan time.Time {
	c.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}
