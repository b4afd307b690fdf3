// Package pool provides a sync.Pool of reusable timers for code paths
// that arm short-lived deadline timers at high frequency.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer armed with duration d from the pool.
//
// Return the timer to the pool with PutTimer when done.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer) // only *time.Timer values are pooled
		if t.Reset(d) {
			// The timer was still active; drain the channel so a stale
			// tick can't be observed by the new user.
			select {
			case <-t.C:
			default:
			}
		}
		return t
	}
	return time.NewTimer(d)
}

// PutTimer stops the timer and returns it to the pool.
//
// t must not be accessed after PutTimer returns.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		// Drain t.C if the tick wasn't consumed by the caller.
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
