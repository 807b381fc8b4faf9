package bullshark_test

import (
	"testing"
	"time"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMaxRedundantRequests(t *testing.T) {
	committee, _ := testutil.NewTestCommittee(200)

	assert.Equal(t, 34, bullshark.MaxRedundantRequests(committee, 0))
	assert.Equal(t, 33, bullshark.MaxRedundantRequests(committee, 1))
	assert.Equal(t, 0, bullshark.MaxRedundantRequests(committee, 34))
	assert.Equal(t, 0, bullshark.MaxRedundantRequests(committee, 100))

	small, _ := testutil.NewTestCommittee(4)
	assert.Equal(t, 1, bullshark.MaxRedundantRequests(small, 0))
	assert.Equal(t, 0, bullshark.MaxRedundantRequests(small, 1))
}

func TestPending_RequestSelectsPeers(t *testing.T) {
	committee, _ := testutil.NewTestCommittee(10)
	pending := bullshark.NewPending[testutil.TestHash](
		bullshark.DefaultPendingConfig(), 0, committee, zap.NewNop())

	id := testutil.ComputeHash([]byte("cert"))
	peers := pending.Request(id, bullshark.PendingCertificate)

	// 10/6+1 = 2 peers, never the local node.
	require.Len(t, peers, 2)
	for _, peer := range peers {
		assert.NotEqual(t, uint16(0), peer)
	}
	assert.True(t, pending.Contains(id))
	assert.Equal(t, 2, pending.NumRequestedFor(id))

	// A fresh entry is not re-requested.
	assert.Nil(t, pending.Request(id, bullshark.PendingCertificate))
}

func TestPending_Resolve(t *testing.T) {
	committee, _ := testutil.NewTestCommittee(4)
	pending := bullshark.NewPending[testutil.TestHash](
		bullshark.DefaultPendingConfig(), 0, committee, zap.NewNop())

	id := testutil.ComputeHash([]byte("tm"))
	pending.Request(id, bullshark.PendingTransmission)

	attempts, _, ok := pending.ResolveInfo(id)
	require.True(t, ok)
	assert.Equal(t, 1, attempts)
	assert.False(t, pending.Contains(id))

	// Resolving an unknown ID is a no-op.
	assert.False(t, pending.Resolve(testutil.ComputeHash([]byte("other"))))
}

func TestPending_SweepRetriesQuietEntries(t *testing.T) {
	// Bound for 20 members is 4; a fan-out of 2 leaves room for one retry.
	committee, _ := testutil.NewTestCommittee(20)
	cfg := bullshark.PendingConfig{
		RetryInterval: 100 * time.Millisecond,
		MaxAge:        time.Hour,
		MaxEntries:    16,
		RequestFanout: 2,
	}
	pending := bullshark.NewPending[testutil.TestHash](cfg, 0, committee, zap.NewNop())

	id := testutil.ComputeHash([]byte("cert"))
	first := pending.Request(id, bullshark.PendingCertificate)
	require.NotEmpty(t, first)

	// Too early: nothing due.
	retries, expired := pending.Sweep(time.Now())
	assert.Empty(t, retries)
	assert.Empty(t, expired)

	retries, expired = pending.Sweep(time.Now().Add(200 * time.Millisecond))
	assert.Empty(t, expired)
	require.Len(t, retries, 1)
	assert.True(t, retries[0].ID.Equals(id))
	assert.Equal(t, bullshark.PendingCertificate, retries[0].Kind)

	// Retry peers never repeat earlier ones.
	for _, peer := range retries[0].Peers {
		assert.NotContains(t, first, peer)
		assert.NotEqual(t, uint16(0), peer)
	}
}

func TestPending_SweepExpiresOldEntries(t *testing.T) {
	committee, _ := testutil.NewTestCommittee(4)
	cfg := bullshark.PendingConfig{
		RetryInterval: 10 * time.Millisecond,
		MaxAge:        time.Second,
		MaxEntries:    16,
	}
	pending := bullshark.NewPending[testutil.TestHash](cfg, 0, committee, zap.NewNop())

	id := testutil.ComputeHash([]byte("cert"))
	pending.Request(id, bullshark.PendingCertificate)

	_, expired := pending.Sweep(time.Now().Add(2 * time.Second))
	require.Len(t, expired, 1)
	assert.True(t, expired[0].ID.Equals(id))
	assert.GreaterOrEqual(t, expired[0].Age, time.Second)
	assert.False(t, pending.Contains(id))
}

func TestPending_EvictsOldestAtCapacity(t *testing.T) {
	committee, _ := testutil.NewTestCommittee(4)
	cfg := bullshark.PendingConfig{
		RetryInterval: time.Second,
		MaxAge:        time.Hour,
		MaxEntries:    3,
	}
	pending := bullshark.NewPending[testutil.TestHash](cfg, 0, committee, zap.NewNop())

	ids := make([]testutil.TestHash, 4)
	for i := range ids {
		ids[i] = testutil.ComputeHash([]byte{byte(i)})
		pending.Request(ids[i], bullshark.PendingTransmission)
	}

	assert.Equal(t, 3, pending.Len())
	assert.False(t, pending.Contains(ids[0]))
	assert.True(t, pending.Contains(ids[3]))
}

func TestPending_SkipsUnusablePeers(t *testing.T) {
	committee, _ := testutil.NewTestCommittee(10)
	pending := bullshark.NewPending[testutil.TestHash](
		bullshark.DefaultPendingConfig(), 0, committee, zap.NewNop())

	// Peer 3's circuit is open; it must never be asked.
	pending.SetPeerFilter(func(peer uint16) bool { return peer != 3 })

	for i := 0; i < 32; i++ {
		id := testutil.ComputeHash([]byte{byte(i)})
		peers := pending.Request(id, bullshark.PendingCertificate)
		require.Len(t, peers, 2)
		for _, peer := range peers {
			assert.NotEqual(t, uint16(3), peer, "open-circuit peer selected")
			assert.NotEqual(t, uint16(0), peer)
		}
	}

	// With every peer unusable nothing is contacted; the entry stays for a
	// later sweep once circuits recover.
	pending.SetPeerFilter(func(uint16) bool { return false })
	id := testutil.ComputeHash([]byte("stalled"))
	assert.Empty(t, pending.Request(id, bullshark.PendingCertificate))
	assert.True(t, pending.Contains(id))
}
