package duel

import (
	"sync"
	"time"
)

// delayTimer fires a callback after a duration unless stopped. It backs the
// inter-round pause and the block loading delay as scheduled resumptions
// rather than blocking sleeps, so other sessions stay serviceable.
type delayTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// newDelayTimer starts a timer that calls onFire after d in its own goroutine.
//
// Precondition: d >= 0; onFire must not be nil.
func newDelayTimer(d time.Duration, onFire func()) *delayTimer {
	dt := &delayTimer{}
	dt.timer = time.AfterFunc(d, func() {
		dt.mu.Lock()
		stopped := dt.stopped
		dt.mu.Unlock()
		if !stopped {
			onFire()
		}
	})
	return dt
}

// Stop prevents the callback from firing. Safe to call multiple times.
//
// Postcondition: onFire will not be called after Stop returns.
func (dt *delayTimer) Stop() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.stopped = true
	dt.timer.Stop()
}
