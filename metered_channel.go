package bullshark

import (
	"sync/atomic"
)

// MeteredChannel is a bounded channel with drop accounting. The hot paths
// between components (peer send queues, the inbound queue, the dependency
// queue) never block; overflow is counted instead, and the protocol's retry
// paths recover whatever was shed.
type MeteredChannel[T any] struct {
	ch   chan T
	name string

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64
}

// NewMeteredChannel creates a metered channel. The name identifies the queue
// in stats output.
func NewMeteredChannel[T any](name string, capacity int) *MeteredChannel[T] {
	return &MeteredChannel[T]{
		ch:   make(chan T, capacity),
		name: name,
	}
}

// TrySend enqueues without blocking. Returns false and counts a drop when
// the channel is full.
func (m *MeteredChannel[T]) TrySend(value T) bool {
	select {
	case m.ch <- value:
		m.sent.Add(1)
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// ReceiveChan exposes the underlying channel for select loops. Receives
// taken directly from it bypass the received counter; call MarkReceived
// after each one.
func (m *MeteredChannel[T]) ReceiveChan() <-chan T {
	return m.ch
}

// MarkReceived counts one receive taken from ReceiveChan.
func (m *MeteredChannel[T]) MarkReceived() {
	m.received.Add(1)
}

// Len returns the number of queued items.
func (m *MeteredChannel[T]) Len() int {
	return len(m.ch)
}

// Cap returns the queue capacity.
func (m *MeteredChannel[T]) Cap() int {
	return cap(m.ch)
}

// Dropped returns the number of items shed on overflow.
func (m *MeteredChannel[T]) Dropped() uint64 {
	return m.dropped.Load()
}

// MeteredChannelStats is a point-in-time snapshot of one queue.
type MeteredChannelStats struct {
	Name     string
	Sent     uint64
	Received uint64
	Dropped  uint64
	Pending  int
	Capacity int
}

// Stats returns current statistics.
func (m *MeteredChannel[T]) Stats() MeteredChannelStats {
	return MeteredChannelStats{
		Name:     m.name,
		Sent:     m.sent.Load(),
		Received: m.received.Load(),
		Dropped:  m.dropped.Load(),
		Pending:  len(m.ch),
		Capacity: cap(m.ch),
	}
}
