package timer

import (
	"sync"
)

// MockTimer is a watchdog timer driven by the test instead of the clock.
// Fire delivers an expiry only while the timer is armed, so tests can
// trigger watchdog paths deterministically.
type MockTimer struct {
	mu      sync.Mutex
	c       chan struct{}
	armed   bool
	stopped bool
	fires   int
}

// NewMockTimer creates an unarmed MockTimer.
func NewMockTimer() *MockTimer {
	return &MockTimer{
		c: make(chan struct{}, 1),
	}
}

// Start arms the timer.
func (t *MockTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = true
	t.stopped = false
}

// Stop disarms the timer. Subsequent Fire calls are ignored until Reset.
func (t *MockTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// Reset re-arms the timer.
func (t *MockTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = true
	t.stopped = false
}

// C returns the expiry channel.
func (t *MockTimer) C() <-chan struct{} {
	return t.c
}

// Fire simulates an expiry. Delivery is non-blocking; an expiry already
// pending on the channel is not duplicated.
func (t *MockTimer) Fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed || t.stopped {
		return
	}
	t.fires++
	select {
	case t.c <- struct{}{}:
	default:
	}
}

// FireCount returns the number of expiries delivered while armed.
func (t *MockTimer) FireCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fires
}

// IsStarted reports whether the timer has been armed.
func (t *MockTimer) IsStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// IsStopped reports whether the timer is currently disarmed.
func (t *MockTimer) IsStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
