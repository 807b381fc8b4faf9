// Package timer provides the round-progress watchdog timers used by the
// consensus node. MockTimer lets tests fire the watchdog deterministically.
package timer

import (
	"sync"
	"time"
)

// Timer drives the node's round-progress watchdog. Start arms the countdown,
// Reset re-arms it (the node calls Reset whenever a round advances), and an
// expiry is delivered on C when the countdown runs out while armed.
type Timer interface {
	// Start arms the countdown.
	Start()

	// Stop disarms the countdown; no expiry is delivered until re-armed.
	Stop()

	// Reset restarts the countdown, re-arming a stopped timer.
	Reset()

	// C returns the expiry channel.
	C() <-chan struct{}
}

// RealTimer is the wall-clock Timer used in production.
type RealTimer struct {
	mu        sync.Mutex
	duration  time.Duration
	countdown *time.Timer
	c         chan struct{}
	disarmed  bool
}

// NewRealTimer creates a RealTimer with the given countdown duration.
func NewRealTimer(duration time.Duration) *RealTimer {
	return &RealTimer{
		duration: duration,
		c:        make(chan struct{}, 1),
	}
}

// arm restarts the countdown. Caller holds the mutex.
func (t *RealTimer) arm() {
	if t.countdown != nil {
		t.countdown.Stop()
	}
	t.disarmed = false
	t.countdown = time.AfterFunc(t.duration, t.expire)
}

// expire delivers one expiry unless the timer was disarmed in the meantime.
// Delivery never blocks; an expiry already pending is not duplicated.
func (t *RealTimer) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disarmed {
		return
	}
	select {
	case t.c <- struct{}{}:
	default:
	}
}

// Start arms the countdown.
func (t *RealTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arm()
}

// Stop disarms the countdown.
func (t *RealTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarmed = true
	if t.countdown != nil {
		t.countdown.Stop()
	}
}

// Reset restarts the countdown from the full duration.
func (t *RealTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arm()
}

// C returns the expiry channel.
func (t *RealTimer) C() <-chan struct{} {
	return t.c
}

// Duration returns the configured countdown duration.
func (t *RealTimer) Duration() time.Duration {
	return t.duration
}
