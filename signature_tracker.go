package bullshark

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignatureRecord tracks a signature share we produced for a specific
// (author, round) pair. Used to prevent signing two conflicting proposals
// from the same author.
type SignatureRecord[H Hash] struct {
	// Round is the round we signed for.
	Round uint64

	// Epoch is the epoch we signed for (for cross-epoch safety).
	Epoch uint64

	// CertificateID is the header digest we signed.
	CertificateID H

	// SignedAt is when we produced this signature.
	SignedAt time.Time
}

// SignatureTracker prevents double-signing on equivocating proposals. Thread-safe.
type SignatureTracker[H Hash] struct {
	mu sync.RWMutex

	// records maps author -> SignatureRecord for their highest signed round
	records map[uint16]*SignatureRecord[H]

	// gcRound is the minimum round we track (older records are garbage collected)
	gcRound uint64

	// currentEpoch is the current epoch (records from older epochs are invalid)
	currentEpoch uint64

	logger *zap.Logger
}

// NewSignatureTracker creates a new SignatureTracker.
func NewSignatureTracker[H Hash](logger *zap.Logger) *SignatureTracker[H] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignatureTracker[H]{
		records: make(map[uint16]*SignatureRecord[H]),
		logger:  logger,
	}
}

// SignDecision represents the decision about whether to sign a proposal.
type SignDecision uint8

const (
	// SignDecisionAllow means we should sign this proposal.
	SignDecisionAllow SignDecision = iota

	// SignDecisionSkipOldRound means we've already signed a higher round from this author.
	SignDecisionSkipOldRound

	// SignDecisionSkipEquivocation means we've already signed a different proposal
	// from this author at the same round (equivocation detected).
	SignDecisionSkipEquivocation

	// SignDecisionSkipOldEpoch means the proposal is from an old epoch.
	SignDecisionSkipOldEpoch

	// SignDecisionSkipDuplicate means we've already signed this exact proposal.
	SignDecisionSkipDuplicate
)

// String returns a human-readable description of the sign decision.
func (d SignDecision) String() string {
	switch d {
	case SignDecisionAllow:
		return "ALLOW"
	case SignDecisionSkipOldRound:
		return "SKIP_OLD_ROUND"
	case SignDecisionSkipEquivocation:
		return "SKIP_EQUIVOCATION"
	case SignDecisionSkipOldEpoch:
		return "SKIP_OLD_EPOCH"
	case SignDecisionSkipDuplicate:
		return "SKIP_DUPLICATE"
	default:
		return "UNKNOWN"
	}
}

// ShouldSign determines whether we should sign a proposal.
// Returns the decision and, if equivocation is detected, the ID of the
// proposal we already signed.
//
// 1. If round < gc watermark or round < lastSignedRound for this author: skip (old round)
// 2. If round == lastSignedRound and same ID: skip (duplicate)
// 3. If round == lastSignedRound and different ID: skip (equivocation)
// 4. If round > lastSignedRound: allow (new round)
// 5. If no previous signature for this author: allow
func (st *SignatureTracker[H]) ShouldSign(author uint16, round, epoch uint64, certificateID H) (SignDecision, *H) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	// Check epoch
	if epoch < st.currentEpoch {
		return SignDecisionSkipOldEpoch, nil
	}

	// Rounds below the garbage collection watermark lost their records, so
	// signing there could repeat or contradict an earlier share. Refuse.
	if round < st.gcRound {
		return SignDecisionSkipOldRound, nil
	}

	// Check if we have a previous signature for this author
	record, exists := st.records[author]
	if !exists {
		return SignDecisionAllow, nil
	}

	// Check if the record is from the current epoch
	if record.Epoch < st.currentEpoch {
		// Old epoch record, treat as if no signature exists
		return SignDecisionAllow, nil
	}

	// Compare rounds
	if round < record.Round {
		// We've already signed a higher round
		return SignDecisionSkipOldRound, nil
	}

	if round == record.Round {
		// Same round - check if same proposal or equivocation
		if record.CertificateID.Equals(certificateID) {
			// Same proposal, we've already signed it
			return SignDecisionSkipDuplicate, nil
		}
		// Different proposal at same round = equivocation
		existingID := record.CertificateID
		return SignDecisionSkipEquivocation, &existingID
	}

	// round > record.Round - new round, allow signature
	return SignDecisionAllow, nil
}

// RecordSignature records that we signed a proposal.
// This should be called AFTER successfully sending the signature.
func (st *SignatureTracker[H]) RecordSignature(author uint16, round, epoch uint64, certificateID H) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Only record if this is for current or future epoch
	if epoch < st.currentEpoch {
		return
	}

	// Only update if this is a newer round
	existing, exists := st.records[author]
	if exists && existing.Epoch == epoch && existing.Round >= round {
		return
	}

	st.records[author] = &SignatureRecord[H]{
		Round:         round,
		Epoch:         epoch,
		CertificateID: certificateID,
		SignedAt:      time.Now(),
	}

	st.logger.Debug("recorded signature",
		zap.Uint16("author", author),
		zap.Uint64("round", round),
		zap.Uint64("epoch", epoch),
		zap.String("id", certificateID.String()))
}

// SetEpoch updates the current epoch and clears records from old epochs.
func (st *SignatureTracker[H]) SetEpoch(epoch uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if epoch <= st.currentEpoch {
		return
	}

	// Clear all records from old epochs
	for author, record := range st.records {
		if record.Epoch < epoch {
			delete(st.records, author)
		}
	}

	st.currentEpoch = epoch
	st.logger.Info("signature tracker epoch updated",
		zap.Uint64("epoch", epoch),
		zap.Int("remaining_records", len(st.records)))
}

// GarbageCollect removes signature records for rounds below gcRound.
// Called periodically to prevent unbounded memory growth.
func (st *SignatureTracker[H]) GarbageCollect(gcRound uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if gcRound <= st.gcRound {
		return
	}

	removed := 0
	for author, record := range st.records {
		if record.Round < gcRound {
			delete(st.records, author)
			removed++
		}
	}

	st.gcRound = gcRound
	if removed > 0 {
		st.logger.Debug("signature tracker garbage collected",
			zap.Uint64("gc_round", gcRound),
			zap.Int("removed", removed))
	}
}

// Clear removes all signature records. Used during reconfiguration.
func (st *SignatureTracker[H]) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.records = make(map[uint16]*SignatureRecord[H])
	st.gcRound = 0
}

// SignatureTrackerStats contains statistics for monitoring.
type SignatureTrackerStats struct {
	TrackedAuthors int
	CurrentEpoch   uint64
	GCRound        uint64
}

// Stats returns current statistics.
func (st *SignatureTracker[H]) Stats() SignatureTrackerStats {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return SignatureTrackerStats{
		TrackedAuthors: len(st.records),
		CurrentEpoch:   st.currentEpoch,
		GCRound:        st.gcRound,
	}
}
