package bullshark_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type workerHarness struct {
	worker *bullshark.Worker[testutil.TestHash, *testutil.TestTransmission]
	store  *testutil.MemStore

	mu      sync.Mutex
	batches []*bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission]
}

func (h *workerHarness) sealedBatches() []*bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission](nil), h.batches...)
}

func newWorkerHarness(t *testing.T, mutate func(*bullshark.WorkerConfig[testutil.TestHash, *testutil.TestTransmission])) *workerHarness {
	t.Helper()

	h := &workerHarness{store: testutil.NewMemStore()}
	cfg := bullshark.WorkerConfig[testutil.TestHash, *testutil.TestTransmission]{
		Worker:       0,
		Validator:    0,
		NumWorkers:   1,
		BatchSize:    2,
		BatchTimeout: 10 * time.Millisecond,
		HashFunc:     testutil.ComputeHash,
		OnBatch: func(b *bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission]) {
			h.mu.Lock()
			h.batches = append(h.batches, b)
			h.mu.Unlock()
		},
		Cache:  bullshark.NewCache[testutil.TestHash](bullshark.DefaultCacheConfig()),
		Store:  h.store,
		Logger: zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.worker = bullshark.NewWorker(cfg)
	return h
}

// transmissionForShard finds a payload whose hash routes to the given shard.
func transmissionForShard(shard, numWorkers uint8) *testutil.TestTransmission {
	for i := 0; ; i++ {
		tm := testutil.NewTestTransmission([]byte(fmt.Sprintf("shard-probe-%d", i)))
		if bullshark.AssignToWorker(tm.Hash(), numWorkers) == shard {
			return tm
		}
	}
}

func TestWorker_SealsBatchAtSize(t *testing.T) {
	h := newWorkerHarness(t, nil)

	first := testutil.NewTestTransmission([]byte("tm-1"))
	second := testutil.NewTestTransmission([]byte("tm-2"))

	ok, err := h.worker.IngestTransmission(first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, h.sealedBatches())

	ok, err = h.worker.IngestTransmission(second)
	require.NoError(t, err)
	assert.True(t, ok)

	batches := h.sealedBatches()
	require.Len(t, batches, 1)
	batch := batches[0]
	assert.Equal(t, uint64(0), batch.Sequence)
	assert.Equal(t, 2, batch.Count())
	require.NoError(t, batch.Verify(testutil.ComputeHash))

	// Payloads were persisted on ingest, before sealing.
	assert.True(t, h.worker.HasTransmission(first.Hash()))
	assert.True(t, h.worker.HasTransmission(second.Hash()))

	// The next full batch gets the next sequence number.
	_, err = h.worker.IngestTransmission(testutil.NewTestTransmission([]byte("tm-3")))
	require.NoError(t, err)
	_, err = h.worker.IngestTransmission(testutil.NewTestTransmission([]byte("tm-4")))
	require.NoError(t, err)

	batches = h.sealedBatches()
	require.Len(t, batches, 2)
	assert.Equal(t, uint64(1), batches[1].Sequence)
	assert.Equal(t, uint64(2), h.worker.Stats().SealedCount)
}

func TestWorker_DuplicateIngestDropped(t *testing.T) {
	h := newWorkerHarness(t, nil)
	tm := testutil.NewTestTransmission([]byte("tm-1"))

	ok, err := h.worker.IngestTransmission(tm)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.worker.IngestTransmission(tm)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, h.worker.Stats().PendingCount)
}

func TestWorker_RejectsMisroutedTransmission(t *testing.T) {
	h := newWorkerHarness(t, func(cfg *bullshark.WorkerConfig[testutil.TestHash, *testutil.TestTransmission]) {
		cfg.NumWorkers = 2
	})

	tm := transmissionForShard(1, 2)
	ok, err := h.worker.IngestTransmission(tm)
	assert.False(t, ok)
	assert.ErrorIs(t, err, bullshark.ErrMisroutedTransmission)
	assert.Equal(t, uint64(1), h.worker.Stats().Misrouted)
}

func TestWorker_HandleBatchStoresPayloads(t *testing.T) {
	h := newWorkerHarness(t, nil)

	tms := []*testutil.TestTransmission{
		testutil.NewTestTransmission([]byte("peer-tm-1")),
		testutil.NewTestTransmission([]byte("peer-tm-2")),
	}
	batch := &bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission]{
		Worker:        0,
		Validator:     1,
		Sequence:      7,
		Transmissions: tms,
	}
	batch.ComputeDigest(testutil.ComputeHash)

	require.NoError(t, h.worker.HandleBatch(batch, 1))

	for _, tm := range tms {
		served, ok := h.worker.ServeTransmission(tm.Hash())
		require.True(t, ok)
		assert.Equal(t, tm.Bytes(), served.Bytes())
	}
}

func TestWorker_HandleBatchRejectsBadInput(t *testing.T) {
	h := newWorkerHarness(t, nil)

	// Wrong shard.
	wrongShard := &bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission]{
		Worker:        3,
		Transmissions: []*testutil.TestTransmission{testutil.NewTestTransmission([]byte("x"))},
	}
	wrongShard.ComputeDigest(testutil.ComputeHash)
	assert.ErrorIs(t, h.worker.HandleBatch(wrongShard, 1), bullshark.ErrMisroutedTransmission)

	// Corrupted digest.
	tampered := &bullshark.TransmissionBatch[testutil.TestHash, *testutil.TestTransmission]{
		Worker:        0,
		Transmissions: []*testutil.TestTransmission{testutil.NewTestTransmission([]byte("y"))},
	}
	tampered.ComputeDigest(testutil.ComputeHash)
	tampered.Transmissions = append(tampered.Transmissions, testutil.NewTestTransmission([]byte("z")))
	assert.ErrorIs(t, h.worker.HandleBatch(tampered, 1), bullshark.ErrInvalidBatch)
}

func TestWorker_BoundedQueueDropsOnFull(t *testing.T) {
	h := newWorkerHarness(t, func(cfg *bullshark.WorkerConfig[testutil.TestHash, *testutil.TestTransmission]) {
		cfg.MaxPending = 1
		cfg.DropOnFull = true
	})

	ok, err := h.worker.IngestTransmission(testutil.NewTestTransmission([]byte("tm-1")))
	require.NoError(t, err)
	assert.True(t, ok)

	// No Run loop is draining, so the second ingest overflows.
	ok, err = h.worker.IngestTransmission(testutil.NewTestTransmission([]byte("tm-2")))
	require.NoError(t, err)
	assert.False(t, ok)

	stats := h.worker.Stats()
	assert.True(t, stats.IsBounded)
	assert.Equal(t, 1, stats.QueuedCount)
	assert.Equal(t, uint64(1), stats.DroppedCount)
}

func TestWorker_RunSealsOnTimeout(t *testing.T) {
	h := newWorkerHarness(t, func(cfg *bullshark.WorkerConfig[testutil.TestHash, *testutil.TestTransmission]) {
		cfg.BatchSize = 100
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Run(ctx)
	}()

	_, err := h.worker.IngestTransmission(testutil.NewTestTransmission([]byte("tm-1")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.sealedBatches()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
