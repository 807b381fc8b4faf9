package bullshark_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
)

type waiterHarness struct {
	mu        sync.Mutex
	waiter    *bullshark.ProposalWaiter[testutil.TestHash]
	processed []*bullshark.BatchHeader[testutil.TestHash]
	haveCerts map[testutil.TestHash]bool
	haveTms   map[testutil.TestHash]bool
	requests  []testutil.TestHash
	kinds     []bullshark.PendingKind
}

func newWaiterHarness(t *testing.T, cfg bullshark.ProposalWaiterConfig) *waiterHarness {
	t.Helper()

	h := &waiterHarness{
		haveCerts: make(map[testutil.TestHash]bool),
		haveTms:   make(map[testutil.TestHash]bool),
	}
	h.waiter = bullshark.NewProposalWaiter[testutil.TestHash](
		cfg,
		func(header *bullshark.BatchHeader[testutil.TestHash], from uint16) error {
			h.processed = append(h.processed, header)
			return nil
		},
		func(id testutil.TestHash) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.haveCerts[id]
		},
		func(id testutil.TestHash) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.haveTms[id]
		},
		zap.NewNop(),
	)
	h.waiter.SetRequestFunc(func(id testutil.TestHash, kind bullshark.PendingKind, from uint16) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.requests = append(h.requests, id)
		h.kinds = append(h.kinds, kind)
	})
	return h
}

func TestProposalWaiter_ReleasesWhenDependencyArrives(t *testing.T) {
	_, signers := testutil.NewTestCommittee(4)
	h := newWaiterHarness(t, bullshark.DefaultProposalWaiterConfig())

	missing := testutil.ComputeHash([]byte("previous-cert"))
	header := testutil.BuildHeader(signers, 0, 1, 0,
		[]testutil.TestHash{missing}, nil)

	queued := h.waiter.Add(header, 2, []testutil.TestHash{missing}, nil)
	require.True(t, queued)
	assert.Equal(t, 1, h.waiter.PendingCount())

	// The gap should have been handed to the request function.
	require.Len(t, h.requests, 1)
	assert.Equal(t, missing, h.requests[0])
	assert.Equal(t, bullshark.PendingCertificate, h.kinds[0])

	h.waiter.OnDependencyAvailable(missing)

	require.Len(t, h.processed, 1)
	assert.Equal(t, header.Digest, h.processed[0].Digest)
	assert.Equal(t, 0, h.waiter.PendingCount())

	stats := h.waiter.Stats()
	assert.Equal(t, uint64(1), stats.TotalReceived)
	assert.Equal(t, uint64(1), stats.TotalProcessed)
}

func TestProposalWaiter_WaitsForAllDependencies(t *testing.T) {
	_, signers := testutil.NewTestCommittee(4)
	h := newWaiterHarness(t, bullshark.DefaultProposalWaiterConfig())

	missingCert := testutil.ComputeHash([]byte("cert"))
	missingTm := testutil.ComputeHash([]byte("transmission"))
	header := testutil.BuildHeader(signers, 1, 1, 0,
		[]testutil.TestHash{missingCert}, []testutil.TestHash{missingTm})

	require.True(t, h.waiter.Add(header, 0,
		[]testutil.TestHash{missingCert}, []testutil.TestHash{missingTm}))

	// Both kinds of gap get requested.
	require.Len(t, h.requests, 2)
	assert.Equal(t, bullshark.PendingCertificate, h.kinds[0])
	assert.Equal(t, bullshark.PendingTransmission, h.kinds[1])

	h.waiter.OnDependencyAvailable(missingCert)
	assert.Empty(t, h.processed)
	assert.Equal(t, 1, h.waiter.PendingCount())

	h.waiter.OnDependencyAvailable(missingTm)
	require.Len(t, h.processed, 1)
	assert.Equal(t, 0, h.waiter.PendingCount())
}

func TestProposalWaiter_DuplicateAddRejected(t *testing.T) {
	_, signers := testutil.NewTestCommittee(4)
	h := newWaiterHarness(t, bullshark.DefaultProposalWaiterConfig())

	missing := testutil.ComputeHash([]byte("dep"))
	header := testutil.BuildHeader(signers, 0, 1, 0, []testutil.TestHash{missing}, nil)

	require.True(t, h.waiter.Add(header, 1, []testutil.TestHash{missing}, nil))
	assert.False(t, h.waiter.Add(header, 1, []testutil.TestHash{missing}, nil))
	assert.Equal(t, 1, h.waiter.PendingCount())
}

func TestProposalWaiter_DropsOldestAtCapacity(t *testing.T) {
	_, signers := testutil.NewTestCommittee(4)
	cfg := bullshark.DefaultProposalWaiterConfig()
	cfg.MaxPendingProposals = 2
	h := newWaiterHarness(t, cfg)

	var headers []*bullshark.BatchHeader[testutil.TestHash]
	var deps []testutil.TestHash
	for i := 0; i < 3; i++ {
		dep := testutil.ComputeHash([]byte{byte(i), 'd'})
		tm := testutil.ComputeHash([]byte{byte(i), 't'})
		header := testutil.BuildHeader(signers, uint16(i%4), 1, 0,
			[]testutil.TestHash{dep}, []testutil.TestHash{tm})
		require.True(t, h.waiter.Add(header, 0,
			[]testutil.TestHash{dep}, []testutil.TestHash{tm}))
		headers = append(headers, header)
		deps = append(deps, dep)
	}

	assert.Equal(t, 2, h.waiter.PendingCount())

	// The first proposal was evicted, so its dependency resolving is a no-op.
	h.waiter.OnDependencyAvailable(deps[0])
	assert.Empty(t, h.processed)

	stats := h.waiter.Stats()
	assert.Equal(t, uint64(1), stats.TotalDropped)
}
