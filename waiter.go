package bullshark

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeferredProposal represents a proposal waiting for missing dependencies.
// A proposal cannot be signed until every previous certificate it references
// is in the DAG and every transmission it references is held by a worker.
type DeferredProposal[H Hash] struct {
	// Header is the proposal waiting to be processed.
	Header *BatchHeader[H]

	// From is the validator that sent this proposal.
	From uint16

	// MissingPrevious are previous-round certificate IDs we don't have.
	MissingPrevious []H

	// MissingTransmissions are transmission IDs no worker holds yet.
	MissingTransmissions []H

	// ReceivedAt is when this proposal was first received.
	ReceivedAt time.Time

	// RetryCount tracks how many times we've tried to process this proposal.
	RetryCount int
}

// ProposalWaiterConfig configures the ProposalWaiter.
type ProposalWaiterConfig struct {
	// MaxPendingProposals is the maximum number of proposals to queue.
	// Proposals beyond this limit are dropped (oldest first).
	// Default: 1000
	MaxPendingProposals int

	// RetryInterval is how often to retry processing deferred proposals.
	// Default: 1s
	RetryInterval time.Duration

	// MaxRetries is the maximum number of retry attempts before dropping a proposal.
	// Default: 10
	MaxRetries int

	// MaxAge is the maximum time a proposal can wait before being dropped.
	// Default: 30s
	MaxAge time.Duration
}

// DefaultProposalWaiterConfig returns sensible defaults.
func DefaultProposalWaiterConfig() ProposalWaiterConfig {
	return ProposalWaiterConfig{
		MaxPendingProposals: 1000,
		RetryInterval:       time.Second,
		MaxRetries:          10,
		MaxAge:              30 * time.Second,
	}
}

// ProposalWaiter queues proposals that can't be signed immediately due to
// missing previous certificates or transmissions. It periodically retries
// processing them as dependencies become available. Missing dependencies are
// handed to the request function so they get fetched from peers.
type ProposalWaiter[H Hash] struct {
	mu sync.Mutex

	cfg ProposalWaiterConfig

	// pending maps header digest (full bytes) to deferred proposal info
	pending map[string]*DeferredProposal[H]

	// byMissing maps dependency ID to proposals waiting for it
	byMissing map[string][]*DeferredProposal[H]

	// processFunc is called when a proposal is ready to be processed
	processFunc func(header *BatchHeader[H], from uint16) error

	// hasCertificate checks if a previous certificate exists in the DAG
	hasCertificate func(id H) bool

	// hasTransmission checks if a transmission payload is held locally
	hasTransmission func(id H) bool

	// requestFunc asks for a missing dependency to be fetched (optional)
	requestFunc func(id H, kind PendingKind, from uint16)

	logger *zap.Logger

	// Stats
	totalReceived  uint64
	totalProcessed uint64
	totalDropped   uint64
	totalExpired   uint64
}

// NewProposalWaiter creates a new ProposalWaiter.
func NewProposalWaiter[H Hash](
	cfg ProposalWaiterConfig,
	processFunc func(header *BatchHeader[H], from uint16) error,
	hasCertificate func(id H) bool,
	hasTransmission func(id H) bool,
	logger *zap.Logger,
) *ProposalWaiter[H] {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ProposalWaiter[H]{
		cfg:             cfg,
		pending:         make(map[string]*DeferredProposal[H]),
		byMissing:       make(map[string][]*DeferredProposal[H]),
		processFunc:     processFunc,
		hasCertificate:  hasCertificate,
		hasTransmission: hasTransmission,
		logger:          logger.With(zap.String("component", "proposal_waiter")),
	}
}

// SetRequestFunc sets the function used to request missing dependencies from
// peers. When set, queuing a proposal triggers fetches for everything it is
// waiting on.
func (pw *ProposalWaiter[H]) SetRequestFunc(fn func(id H, kind PendingKind, from uint16)) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.requestFunc = fn
}

// Run starts the periodic retry loop.
func (pw *ProposalWaiter[H]) Run(ctx context.Context) {
	ticker := time.NewTicker(pw.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pw.retryPending()
		}
	}
}

// Add queues a proposal with missing dependencies for later processing.
// Returns true if the proposal was queued, false if it was dropped (queue
// full or duplicate).
func (pw *ProposalWaiter[H]) Add(header *BatchHeader[H], from uint16, missingPrevious, missingTransmissions []H) bool {
	pw.mu.Lock()

	pw.totalReceived++

	key := string(header.Digest.Bytes())

	// Check if already pending
	if _, exists := pw.pending[key]; exists {
		pw.mu.Unlock()
		return false // Duplicate
	}

	// Check capacity
	if len(pw.pending) >= pw.cfg.MaxPendingProposals {
		// Drop oldest proposal
		pw.dropOldestLocked()
		pw.totalDropped++
	}

	deferred := &DeferredProposal[H]{
		Header:               header,
		From:                 from,
		MissingPrevious:      missingPrevious,
		MissingTransmissions: missingTransmissions,
		ReceivedAt:           time.Now(),
		RetryCount:           0,
	}

	pw.pending[key] = deferred

	// Index by missing dependencies for fast lookup when they arrive
	for _, id := range missingPrevious {
		depKey := string(id.Bytes())
		pw.byMissing[depKey] = append(pw.byMissing[depKey], deferred)
	}
	for _, id := range missingTransmissions {
		depKey := string(id.Bytes())
		pw.byMissing[depKey] = append(pw.byMissing[depKey], deferred)
	}

	requestFunc := pw.requestFunc
	pw.mu.Unlock()

	// Kick off fetches for the gaps. The sender of the proposal is the
	// natural first peer to ask.
	if requestFunc != nil {
		for _, id := range missingPrevious {
			requestFunc(id, PendingCertificate, from)
		}
		for _, id := range missingTransmissions {
			requestFunc(id, PendingTransmission, from)
		}
	}

	pw.logger.Debug("deferred proposal on missing dependencies",
		zap.Uint16("author", header.Author),
		zap.Uint64("round", header.Round),
		zap.Int("missing_previous", len(missingPrevious)),
		zap.Int("missing_transmissions", len(missingTransmissions)))

	return true
}

// OnDependencyAvailable should be called when a certificate is inserted into
// the DAG or a transmission arrives at a worker. It retries any proposals
// that were waiting for that dependency.
func (pw *ProposalWaiter[H]) OnDependencyAvailable(id H) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	depKey := string(id.Bytes())
	waiting := pw.byMissing[depKey]
	if len(waiting) == 0 {
		return
	}

	// Remove from index
	delete(pw.byMissing, depKey)

	// Update missing lists for each waiting proposal
	for _, deferred := range waiting {
		deferred.MissingPrevious = removeID(deferred.MissingPrevious, id)
		deferred.MissingTransmissions = removeID(deferred.MissingTransmissions, id)

		// If nothing left missing, try to process
		if len(deferred.MissingPrevious) == 0 && len(deferred.MissingTransmissions) == 0 {
			pw.tryProcessLocked(deferred)
		}
	}
}

func removeID[H Hash](ids []H, id H) []H {
	if len(ids) == 0 {
		return ids
	}
	out := make([]H, 0, len(ids))
	for _, candidate := range ids {
		if !candidate.Equals(id) {
			out = append(out, candidate)
		}
	}
	return out
}

// retryPending attempts to process all deferred proposals.
func (pw *ProposalWaiter[H]) retryPending() {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	now := time.Now()
	toRemove := make([]string, 0)

	for key, deferred := range pw.pending {
		// Check if expired
		if now.Sub(deferred.ReceivedAt) > pw.cfg.MaxAge {
			toRemove = append(toRemove, key)
			pw.totalExpired++
			pw.logger.Debug("deferred proposal expired",
				zap.Uint16("author", deferred.Header.Author),
				zap.Uint64("round", deferred.Header.Round),
				zap.Duration("age", now.Sub(deferred.ReceivedAt)))
			continue
		}

		// Check if max retries exceeded
		if deferred.RetryCount >= pw.cfg.MaxRetries {
			toRemove = append(toRemove, key)
			pw.totalDropped++
			pw.logger.Debug("deferred proposal dropped after max retries",
				zap.Uint16("author", deferred.Header.Author),
				zap.Int("retries", deferred.RetryCount))
			continue
		}

		// Re-check dependencies
		stillMissingPrev := make([]H, 0)
		for _, id := range deferred.MissingPrevious {
			if !pw.hasCertificate(id) {
				stillMissingPrev = append(stillMissingPrev, id)
			}
		}
		deferred.MissingPrevious = stillMissingPrev

		stillMissingTm := make([]H, 0)
		for _, id := range deferred.MissingTransmissions {
			if !pw.hasTransmission(id) {
				stillMissingTm = append(stillMissingTm, id)
			}
		}
		deferred.MissingTransmissions = stillMissingTm

		if len(stillMissingPrev) == 0 && len(stillMissingTm) == 0 {
			pw.tryProcessLocked(deferred)
			if _, exists := pw.pending[key]; !exists {
				// Successfully processed
				continue
			}
		}

		deferred.RetryCount++
	}

	// Remove expired/dropped proposals
	for _, key := range toRemove {
		pw.removePendingLocked(key)
	}
}

// tryProcessLocked attempts to process a deferred proposal.
func (pw *ProposalWaiter[H]) tryProcessLocked(deferred *DeferredProposal[H]) {
	key := string(deferred.Header.Digest.Bytes())

	// Check if still pending (may have been processed by another path)
	if _, exists := pw.pending[key]; !exists {
		return
	}

	// Try to process
	err := pw.processFunc(deferred.Header, deferred.From)
	if err != nil {
		pw.logger.Debug("failed to process deferred proposal",
			zap.Uint16("author", deferred.Header.Author),
			zap.Uint64("round", deferred.Header.Round),
			zap.Error(err))
		return
	}

	// Success - remove from pending
	pw.removePendingLocked(key)
	pw.totalProcessed++

	pw.logger.Debug("processed deferred proposal",
		zap.Uint16("author", deferred.Header.Author),
		zap.Uint64("round", deferred.Header.Round),
		zap.Int("retry_count", deferred.RetryCount),
		zap.Duration("wait_time", time.Since(deferred.ReceivedAt)))
}

// removePendingLocked removes a proposal from all indexes.
func (pw *ProposalWaiter[H]) removePendingLocked(key string) {
	deferred, exists := pw.pending[key]
	if !exists {
		return
	}

	removeFromIndex := func(id H) {
		depKey := string(id.Bytes())
		waiting := pw.byMissing[depKey]
		remaining := make([]*DeferredProposal[H], 0, len(waiting))
		for _, d := range waiting {
			if string(d.Header.Digest.Bytes()) != key {
				remaining = append(remaining, d)
			}
		}
		if len(remaining) == 0 {
			delete(pw.byMissing, depKey)
		} else {
			pw.byMissing[depKey] = remaining
		}
	}

	for _, id := range deferred.MissingPrevious {
		removeFromIndex(id)
	}
	for _, id := range deferred.MissingTransmissions {
		removeFromIndex(id)
	}

	delete(pw.pending, key)
}

// dropOldestLocked removes the oldest deferred proposal.
func (pw *ProposalWaiter[H]) dropOldestLocked() {
	var oldest *DeferredProposal[H]
	var oldestKey string

	for key, deferred := range pw.pending {
		if oldest == nil || deferred.ReceivedAt.Before(oldest.ReceivedAt) {
			oldest = deferred
			oldestKey = key
		}
	}

	if oldest != nil {
		pw.removePendingLocked(oldestKey)
		pw.logger.Debug("dropped oldest deferred proposal due to capacity",
			zap.Uint16("author", oldest.Header.Author),
			zap.Uint64("round", oldest.Header.Round))
	}
}

// ProposalWaiterStats contains statistics for monitoring.
type ProposalWaiterStats struct {
	PendingCount   int
	TotalReceived  uint64
	TotalProcessed uint64
	TotalDropped   uint64
	TotalExpired   uint64
}

// Stats returns current statistics.
func (pw *ProposalWaiter[H]) Stats() ProposalWaiterStats {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	return ProposalWaiterStats{
		PendingCount:   len(pw.pending),
		TotalReceived:  pw.totalReceived,
		TotalProcessed: pw.totalProcessed,
		TotalDropped:   pw.totalDropped,
		TotalExpired:   pw.totalExpired,
	}
}

// PendingCount returns the number of proposals currently waiting.
func (pw *ProposalWaiter[H]) PendingCount() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return len(pw.pending)
}
