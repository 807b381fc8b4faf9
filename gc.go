package bullshark

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GCConfig configures the GarbageCollector.
type GCConfig struct {
	// Interval is how often GC runs, measured in rounds. A sweep is
	// triggered once the watermark has advanced at least Interval rounds
	// past the last collection.
	Interval uint64

	// RetainRounds is the number of rounds kept behind the commit frontier.
	// Lagging peers can still fetch ancestry within this margin.
	RetainRounds uint64

	// CheckInterval is how often to check whether GC should run.
	CheckInterval time.Duration
}

// DefaultGCConfig returns sensible defaults for the GarbageCollector.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Interval:      50,
		RetainRounds:  100,
		CheckInterval: 10 * time.Second,
	}
}

// GarbageCollector prunes DAG and store rounds that have fallen behind the
// commit frontier. Rounds below the watermark are final and no longer needed
// for anchor support or ancestry checks.
type GarbageCollector[H Hash, T Transmission[H]] struct {
	mu sync.Mutex

	cfg   GCConfig
	dag   *DAG[H]
	store Store[H, T]

	lastGCRound uint64
	frontier    uint64

	logger *zap.Logger
}

// NewGarbageCollector creates a new GarbageCollector.
func NewGarbageCollector[H Hash, T Transmission[H]](
	cfg GCConfig,
	dag *DAG[H],
	store Store[H, T],
	logger *zap.Logger,
) *GarbageCollector[H, T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultGCConfig().CheckInterval
	}

	return &GarbageCollector[H, T]{
		cfg:    cfg,
		dag:    dag,
		store:  store,
		logger: logger.With(zap.String("component", "gc")),
	}
}

// Run starts the garbage collection loop.
// It runs until the context is cancelled.
func (gc *GarbageCollector[H, T]) Run(ctx context.Context) {
	ticker := time.NewTicker(gc.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.maybeCollect()
		}
	}
}

// SetFrontier updates the commit frontier. Only rounds more than
// RetainRounds behind the frontier are eligible for collection.
func (gc *GarbageCollector[H, T]) SetFrontier(round uint64) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if round > gc.frontier {
		gc.frontier = round
	}
}

// ForceCollect forces an immediate garbage collection cycle.
func (gc *GarbageCollector[H, T]) ForceCollect() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.collect()
}

func (gc *GarbageCollector[H, T]) maybeCollect() {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	// Wait until the watermark has moved far enough to be worth a sweep.
	if gc.frontier < gc.cfg.RetainRounds {
		return
	}
	if gc.frontier-gc.cfg.RetainRounds < gc.lastGCRound+gc.cfg.Interval {
		return
	}

	gc.collect()
}

func (gc *GarbageCollector[H, T]) collect() {
	var beforeRound uint64
	if gc.frontier > gc.cfg.RetainRounds {
		beforeRound = gc.frontier - gc.cfg.RetainRounds
	}

	if beforeRound <= gc.lastGCRound {
		return
	}

	// The DAG fires OnGarbageCollected with the removal count.
	gc.dag.GarbageCollect(beforeRound)

	if gc.store != nil {
		if err := gc.store.DeleteBeforeRound(beforeRound); err != nil {
			gc.logger.Warn("store GC failed", zap.Error(err))
		}
	}

	gc.lastGCRound = beforeRound

	gc.logger.Info("garbage collection complete",
		zap.Uint64("before_round", beforeRound),
		zap.Uint64("frontier", gc.frontier))
}

// Stats returns current GC statistics.
func (gc *GarbageCollector[H, T]) Stats() GCStats {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	return GCStats{
		LastGCRound: gc.lastGCRound,
		Frontier:    gc.frontier,
	}
}

// GCStats contains garbage collection statistics.
type GCStats struct {
	LastGCRound uint64
	Frontier    uint64
}
