package bullshark_test

import (
	"testing"

	"github.com/edgedlt/bullshark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeteredChannel_TrySendAndReceive(t *testing.T) {
	ch := bullshark.NewMeteredChannel[int]("inbound", 2)

	assert.True(t, ch.TrySend(1))
	assert.True(t, ch.TrySend(2))
	assert.Equal(t, 2, ch.Len())
	assert.Equal(t, 2, ch.Cap())

	got := <-ch.ReceiveChan()
	ch.MarkReceived()
	assert.Equal(t, 1, got)

	stats := ch.Stats()
	assert.Equal(t, "inbound", stats.Name)
	assert.Equal(t, uint64(2), stats.Sent)
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 2, stats.Capacity)
}

func TestMeteredChannel_DropsOnOverflow(t *testing.T) {
	ch := bullshark.NewMeteredChannel[int]("sendq", 1)

	require.True(t, ch.TrySend(1))
	assert.False(t, ch.TrySend(2))
	assert.False(t, ch.TrySend(3))

	assert.Equal(t, uint64(2), ch.Dropped())

	// The queued item survives the overflow.
	got := <-ch.ReceiveChan()
	ch.MarkReceived()
	assert.Equal(t, 1, got)
}
