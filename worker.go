package bullshark

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker owns one shard of the transmission space. It ingests transmissions
// routed to it, seals them into batches, stores payloads, and serves them to
// peer workers and to certificate resolution. Transmission payloads never
// leave the worker tier; the primary only ever sees IDs.
type Worker[H Hash, T Transmission[H]] struct {
	mu sync.Mutex

	cfg      WorkerConfig[H, T]
	pending  []T
	sequence uint64
	hooks    *Hooks[H]

	// Bounded transmission queue (if MaxPending > 0)
	tmChan     chan T
	maxPending int
	dropOnFull bool

	// Stats for monitoring
	dropped      uint64
	sealed       uint64
	misrouted    uint64
	servedLocal  uint64
	servedRemote uint64

	logger *zap.Logger
}

// WorkerConfig configures a worker.
type WorkerConfig[H Hash, T Transmission[H]] struct {
	Worker       uint8
	Validator    uint16
	NumWorkers   uint8
	BatchSize    int
	BatchTimeout time.Duration
	HashFunc     func([]byte) H
	OnBatch      func(*TransmissionBatch[H, T])
	Cache        *Cache[H]
	Store        Store[H, T]
	Hooks        *Hooks[H]
	Logger       *zap.Logger

	// Backpressure settings
	MaxPending int  // Max pending transmissions (0 = unbounded)
	DropOnFull bool // If true, drop when full; if false, block
}

// NewWorker creates a new worker.
func NewWorker[H Hash, T Transmission[H]](cfg WorkerConfig[H, T]) *Worker[H, T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Worker[H, T]{
		cfg:        cfg,
		pending:    make([]T, 0, cfg.BatchSize),
		hooks:      cfg.Hooks,
		maxPending: cfg.MaxPending,
		dropOnFull: cfg.DropOnFull,
		logger:     logger.With(zap.String("component", "worker"), zap.Uint8("worker", cfg.Worker)),
	}

	// Create bounded channel if max pending is set
	if cfg.MaxPending > 0 {
		w.tmChan = make(chan T, cfg.MaxPending)
	}

	return w
}

// ID returns the worker's shard index.
func (w *Worker[H, T]) ID() uint8 {
	return w.cfg.Worker
}

// IngestTransmission adds a transmission to the worker's queue. Duplicates
// are dropped silently (idempotent). Transmissions routed to the wrong shard
// are rejected with ErrMisroutedTransmission.
//
// If MaxPending is configured and the queue is full:
//   - If DropOnFull is true, the transmission is dropped silently
//   - If DropOnFull is false, this call blocks until space is available
//
// Returns true if the transmission was accepted, false if dropped.
func (w *Worker[H, T]) IngestTransmission(tm T) (bool, error) {
	id := tm.Hash()

	if owner := AssignToWorker(id, w.cfg.NumWorkers); owner != w.cfg.Worker {
		w.mu.Lock()
		w.misrouted++
		w.mu.Unlock()
		return false, fmt.Errorf("%w: transmission %s belongs to worker %d",
			ErrMisroutedTransmission, id.String(), owner)
	}

	// Seen before means already batched or in flight.
	if w.cfg.Cache != nil && w.cfg.Cache.InsertSeenTransmission(id) {
		return false, nil
	}

	// Persist the payload so it can be served and resolved later.
	if err := w.cfg.Store.PutTransmission(tm); err != nil {
		return false, fmt.Errorf("failed to store transmission: %w", err)
	}

	// Invoke hook (before potential drop)
	if w.hooks != nil && w.hooks.OnTransmissionReceived != nil {
		w.hooks.OnTransmissionReceived(TransmissionReceivedEvent[H]{
			TransmissionID: id,
			Worker:         w.cfg.Worker,
			SizeBytes:      len(tm.Bytes()),
			ReceivedAt:     time.Now(),
		})
	}

	// If using bounded channel, send to channel instead of direct append
	if w.tmChan != nil {
		if w.dropOnFull {
			// Non-blocking send
			select {
			case w.tmChan <- tm:
				return true, nil
			default:
				// Queue full, drop transmission
				w.mu.Lock()
				w.dropped++
				w.mu.Unlock()
				w.logger.Debug("transmission dropped, queue full",
					zap.String("id", id.String()))
				return false, nil
			}
		}
		// Blocking send
		w.tmChan <- tm
		return true, nil
	}

	// Unbounded mode - direct append
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, tm)

	if len(w.pending) >= w.cfg.BatchSize {
		w.sealBatch()
	}
	return true, nil
}

// Run starts the worker's batch sealing loop.
func (w *Worker[H, T]) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.BatchTimeout)
	defer ticker.Stop()

	// If using bounded channel, drain transmissions from it
	if w.tmChan != nil {
		for {
			select {
			case <-ctx.Done():
				w.drainAndFlush()
				return
			case tm := <-w.tmChan:
				w.mu.Lock()
				w.pending = append(w.pending, tm)
				if len(w.pending) >= w.cfg.BatchSize {
					w.sealBatch()
				}
				w.mu.Unlock()
			case <-ticker.C:
				w.mu.Lock()
				if len(w.pending) > 0 {
					w.sealBatch()
				}
				w.mu.Unlock()
			}
		}
	}

	// Unbounded mode - just use ticker
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if len(w.pending) > 0 {
				w.sealBatch()
			}
			w.mu.Unlock()
			return
		case <-ticker.C:
			w.mu.Lock()
			if len(w.pending) > 0 {
				w.sealBatch()
			}
			w.mu.Unlock()
		}
	}
}

// drainAndFlush drains remaining transmissions from the channel and seals a
// final batch.
func (w *Worker[H, T]) drainAndFlush() {
	for {
		select {
		case tm := <-w.tmChan:
			w.mu.Lock()
			w.pending = append(w.pending, tm)
			w.mu.Unlock()
		default:
			// Channel empty
			w.mu.Lock()
			if len(w.pending) > 0 {
				w.sealBatch()
			}
			w.mu.Unlock()
			return
		}
	}
}

// sealBatch drains pending transmissions in FIFO order into a batch.
func (w *Worker[H, T]) sealBatch() {
	if len(w.pending) == 0 {
		return
	}

	now := time.Now()
	batch := &TransmissionBatch[H, T]{
		Worker:        w.cfg.Worker,
		Validator:     w.cfg.Validator,
		Sequence:      w.sequence,
		Transmissions: w.pending,
	}
	batch.ComputeDigest(w.cfg.HashFunc)
	w.sequence++
	w.sealed++

	w.logger.Debug("sealed batch",
		zap.Uint64("sequence", batch.Sequence),
		zap.Int("count", batch.Count()),
		zap.String("digest", batch.Digest.String()))

	// Invoke hook
	if w.hooks != nil && w.hooks.OnBatchCreated != nil {
		sizeBytes := 0
		for _, tm := range batch.Transmissions {
			sizeBytes += len(tm.Bytes())
		}
		w.hooks.OnBatchCreated(BatchCreatedEvent[H]{
			Digest:            batch.Digest,
			Worker:            w.cfg.Worker,
			Sequence:          batch.Sequence,
			TransmissionCount: batch.Count(),
			SizeBytes:         sizeBytes,
			CreatedAt:         now,
		})
	}

	if w.cfg.OnBatch != nil {
		w.cfg.OnBatch(batch)
	}

	w.pending = make([]T, 0, w.cfg.BatchSize)
}

// HandleBatch processes a batch received from the matching worker on another
// validator. Every transmission must route to this shard; a single misrouted
// transmission rejects the whole batch.
func (w *Worker[H, T]) HandleBatch(batch *TransmissionBatch[H, T], from uint16) error {
	if batch.Worker != w.cfg.Worker {
		w.mu.Lock()
		w.misrouted++
		w.mu.Unlock()
		return fmt.Errorf("%w: batch for worker %d received by worker %d",
			ErrMisroutedTransmission, batch.Worker, w.cfg.Worker)
	}

	if err := batch.Verify(w.cfg.HashFunc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	for _, tm := range batch.Transmissions {
		if owner := AssignToWorker(tm.Hash(), w.cfg.NumWorkers); owner != w.cfg.Worker {
			w.mu.Lock()
			w.misrouted++
			w.mu.Unlock()
			return fmt.Errorf("%w: transmission %s in batch belongs to worker %d",
				ErrMisroutedTransmission, tm.Hash().String(), owner)
		}
	}

	// Persist payloads so headers referencing them can be signed and resolved.
	for _, tm := range batch.Transmissions {
		if w.cfg.Cache != nil {
			w.cfg.Cache.InsertSeenTransmission(tm.Hash())
		}
		if err := w.cfg.Store.PutTransmission(tm); err != nil {
			return fmt.Errorf("failed to store transmission from batch: %w", err)
		}
	}

	w.mu.Lock()
	w.servedRemote++
	w.mu.Unlock()

	if w.hooks != nil && w.hooks.OnBatchReceived != nil {
		w.hooks.OnBatchReceived(BatchReceivedEvent[H]{
			Digest:            batch.Digest,
			Worker:            w.cfg.Worker,
			From:              from,
			TransmissionCount: batch.Count(),
			ReceivedAt:        time.Now(),
		})
	}

	w.logger.Debug("stored batch from peer",
		zap.Uint16("from", from),
		zap.Uint64("sequence", batch.Sequence),
		zap.Int("count", batch.Count()))

	return nil
}

// ServeTransmission looks up a stored transmission payload for a request
// from a peer validator.
func (w *Worker[H, T]) ServeTransmission(id H) (T, bool) {
	var zero T
	tm, err := w.cfg.Store.GetTransmission(id)
	if err != nil {
		return zero, false
	}
	w.mu.Lock()
	w.servedLocal++
	w.mu.Unlock()
	return tm, true
}

// HasTransmission reports whether the worker holds the payload.
func (w *Worker[H, T]) HasTransmission(id H) bool {
	return w.cfg.Store.HasTransmission(id)
}

// WorkerStats contains worker statistics for monitoring.
type WorkerStats struct {
	PendingCount int
	QueuedCount  int // Transmissions in channel (if bounded)
	DroppedCount uint64
	SealedCount  uint64
	Misrouted    uint64
	MaxPending   int
	IsBounded    bool
}

// Stats returns current worker statistics.
func (w *Worker[H, T]) Stats() WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	stats := WorkerStats{
		PendingCount: len(w.pending),
		DroppedCount: w.dropped,
		SealedCount:  w.sealed,
		Misrouted:    w.misrouted,
		MaxPending:   w.maxPending,
		IsBounded:    w.tmChan != nil,
	}

	if w.tmChan != nil {
		stats.QueuedCount = len(w.tmChan)
	}

	return stats
}
