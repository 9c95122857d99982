package pbft

import (
	"sync"
	"time"
)

// RoundClock is the monotonic, reset-per-round timer spec §4.3/§5
// describe narratively ("a round clock is reset to zero on every new
// round... only relative elapsed time matters"), grounded on
// original_source/libraries/core_libs/consensus/src/pbft/timing_machine.cpp's
// TimingMachine: initialClockInNewRound resets the reference instant,
// setTimeOut/timeOut bound a step's soft-cap sleep, and wakeUp lets an
// external event (e.g. reaching 2t+1 early) cut the sleep short.
type RoundClock struct {
	mu      sync.Mutex
	start   time.Time
	wake    chan struct{}
	stopped bool
}

// NewRoundClock returns a RoundClock with its reference instant unset;
// call ResetForNewRound before the first TimeOut.
func NewRoundClock() *RoundClock {
	return &RoundClock{wake: make(chan struct{}, 1)}
}

// ResetForNewRound sets the reference instant elapsed time is measured
// from (original: initialClockInNewRound).
func (c *RoundClock) ResetForNewRound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
}

// Elapsed returns the time since the last ResetForNewRound.
func (c *RoundClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start.IsZero() {
		return 0
	}
	return time.Since(c.start)
}

// minPracticalSleep mirrors the original's "add 25ms for practical
// reality that a thread will not stall for less than 10-25ms" guard:
// below this remaining budget, TimeOut returns immediately rather than
// arming a timer no scheduler can honor precisely.
const minPracticalSleep = 25 * time.Millisecond

// TimeOut blocks until end has elapsed since the last
// ResetForNewRound, or until WakeUp is called, whichever comes first.
// It returns immediately if the remaining budget is already below
// minPracticalSleep (original: timeOut's early "skipping sleep,
// running late" branch).
func (c *RoundClock) TimeOut(end time.Duration) {
	remaining := end - c.Elapsed()
	if remaining < minPracticalSleep {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.wake:
	}
}

// WakeUp cuts short a blocked TimeOut call (original: wakeUp's
// sleep_cv_.notify_one()). Safe to call with no TimeOut in flight.
func (c *RoundClock) WakeUp() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stop releases resources and unblocks any in-flight TimeOut (original:
// the destructor's implicit stop()). Safe to call multiple times.
func (c *RoundClock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	c.WakeUp()
}
