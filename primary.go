package bullshark

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Primary proposes batch headers and collects signature shares to form
// certificates. One proposal is in flight at a time: transmission IDs from
// sealed batches queue up until the current proposal either reaches quorum
// stake or is abandoned.
type Primary[H Hash, T Transmission[H]] struct {
	mu sync.Mutex

	cfg       PrimaryConfig[H, T]
	committee *Committee

	pendingIDs    []H
	proposedCount int
	currentHeader *BatchHeader[H]
	signatures    map[uint16][]byte

	// Proposal timeout tracking
	proposedAt      time.Time
	proposalRetries int
	lastBatchSealed time.Time // Track when we last received a sealed batch

	// Bounded batch channel (if MaxPendingBatches > 0)
	batchChan  chan *TransmissionBatch[H, T]
	maxPending int
	dropOnFull bool

	// Stats for monitoring
	droppedBatches uint64

	// Optimized crypto verification
	cryptoProvider CryptoProvider
	sigCache       *SignatureCache

	// Signing idempotence (prevents countersigning equivocating proposals)
	sigTracker *SignatureTracker[H]

	// Anchor awareness for partially synchronous mode. Nil in asynchronous
	// mode, where proposals never wait for anchors.
	networkModel    NetworkModel
	leaderTracker   *LeaderTracker[H]
	maxLeaderWait   time.Duration
	leaderWaitSince time.Time

	hooks  *Hooks[H]
	logger *zap.Logger
}

// PrimaryConfig configures a primary.
type PrimaryConfig[H Hash, T Transmission[H]] struct {
	Validator uint16
	DAG       *DAG[H]
	Committee *Committee
	Signer    Signer
	Transport Transport[H, T]
	Store     Store[H, T]
	HashFunc  func([]byte) H
	Hooks     *Hooks[H]
	Logger    *zap.Logger

	// HasTransmission checks whether a worker holds a transmission payload.
	// Foreign proposals are only signed once every referenced payload is held.
	HasTransmission func(id H) bool

	// Proposal pacing
	ProposalInterval time.Duration // Tick driving proposal creation and timeouts
	MaxProposalDelay time.Duration // Max delay before proposing with a partial batch

	// Retry configuration
	MaxProposalRetries    int           // Max retries before abandoning a proposal (default: 3)
	ProposalRetryInterval time.Duration // Time before re-broadcasting a proposal (default: ProposalInterval)

	// MaxHeaderTransmissions caps transmission IDs per proposal (default: 1000)
	MaxHeaderTransmissions int

	// MaxTimestampDrift bounds how far into the future a foreign proposal's
	// timestamp may sit (default: 60s)
	MaxTimestampDrift time.Duration

	// NetworkModel selects the proposal timing discipline (default: asynchronous)
	NetworkModel NetworkModel

	// Schedule names the anchor validator per round. Required for
	// partially synchronous mode.
	Schedule LeaderSchedule

	// MaxLeaderWait bounds how long a proposal is held back waiting for an
	// anchor certificate in partially synchronous mode
	// (default: 2x ProposalInterval)
	MaxLeaderWait time.Duration

	// Backpressure settings
	MaxPendingBatches int  // Max sealed batches queued (0 = unbounded)
	DropOnFull        bool // If true, drop when full; if false, block

	// Optimized crypto verification (optional)
	CryptoProvider CryptoProvider
	SignatureCache *SignatureCache
}

// NewPrimary creates a new primary.
func NewPrimary[H Hash, T Transmission[H]](cfg PrimaryConfig[H, T]) *Primary[H, T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Set defaults for retry config
	if cfg.MaxProposalRetries == 0 {
		cfg.MaxProposalRetries = 3
	}
	if cfg.ProposalRetryInterval == 0 {
		cfg.ProposalRetryInterval = cfg.ProposalInterval
	}

	// Set defaults for proposal thresholds
	if cfg.MaxHeaderTransmissions == 0 {
		cfg.MaxHeaderTransmissions = 1000
	}
	if cfg.MaxProposalDelay == 0 {
		cfg.MaxProposalDelay = cfg.ProposalInterval
	}
	if cfg.MaxTimestampDrift == 0 {
		cfg.MaxTimestampDrift = 60 * time.Second
	}
	if cfg.MaxLeaderWait == 0 {
		cfg.MaxLeaderWait = 2 * cfg.ProposalInterval
	}
	if cfg.MaxLeaderWait == 0 {
		cfg.MaxLeaderWait = time.Second
	}

	p := &Primary[H, T]{
		cfg:            cfg,
		committee:      cfg.Committee,
		pendingIDs:     make([]H, 0),
		signatures:     make(map[uint16][]byte),
		maxPending:     cfg.MaxPendingBatches,
		dropOnFull:     cfg.DropOnFull,
		cryptoProvider: cfg.CryptoProvider,
		sigCache:       cfg.SignatureCache,
		sigTracker:     NewSignatureTracker[H](logger),
		networkModel:   cfg.NetworkModel,
		maxLeaderWait:  cfg.MaxLeaderWait,
		hooks:          cfg.Hooks,
		logger:         logger.With(zap.String("component", "primary"), zap.Uint16("validator", cfg.Validator)),
	}

	if cfg.NetworkModel == NetworkModelPartiallySynchronous && cfg.Schedule != nil {
		p.leaderTracker = NewLeaderTracker[H](cfg.Schedule)
	}

	// Create bounded channel if max pending is set
	if cfg.MaxPendingBatches > 0 {
		p.batchChan = make(chan *TransmissionBatch[H, T], cfg.MaxPendingBatches)
	}

	return p
}

// SetCommittee swaps in a new committee snapshot on epoch change. Clears the
// in-flight proposal, which belongs to the old epoch.
func (p *Primary[H, T]) SetCommittee(committee *Committee) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.committee = committee
	p.currentHeader = nil
	p.signatures = make(map[uint16][]byte)
	p.proposedCount = 0
	p.proposalRetries = 0
	p.sigTracker.SetEpoch(committee.Epoch())
}

// Run starts the primary's proposal loop.
func (p *Primary[H, T]) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProposalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		case batch := <-p.batchChanOrNil():
			if batch != nil {
				p.processBatch(batch)
			}
		}
	}
}

// batchChanOrNil returns the batch channel if bounded mode is enabled, nil otherwise.
func (p *Primary[H, T]) batchChanOrNil() <-chan *TransmissionBatch[H, T] {
	return p.batchChan
}

// processBatch handles a sealed batch received from the channel.
func (p *Primary[H, T]) processBatch(batch *TransmissionBatch[H, T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueBatchLocked(batch)
}

func (p *Primary[H, T]) enqueueBatchLocked(batch *TransmissionBatch[H, T]) {
	for _, tm := range batch.Transmissions {
		p.pendingIDs = append(p.pendingIDs, tm.Hash())
	}
	p.lastBatchSealed = time.Now()

	// Check if we should propose immediately (transmission threshold reached)
	if len(p.pendingIDs) >= p.cfg.MaxHeaderTransmissions && p.currentHeader == nil {
		p.tryProposeLocked()
	}
}

// OnBatchSealed is called when a local worker seals a batch. The primary
// queues the transmission IDs for inclusion in its next proposal.
// If MaxPendingBatches is configured and the queue is full:
//   - If DropOnFull is true, the batch is dropped silently
//   - If DropOnFull is false, this call blocks until space is available
//
// Returns true if the batch was accepted, false if dropped.
func (p *Primary[H, T]) OnBatchSealed(batch *TransmissionBatch[H, T]) bool {
	// If using bounded channel, send to channel
	if p.batchChan != nil {
		if p.dropOnFull {
			// Non-blocking send
			select {
			case p.batchChan <- batch:
				return true
			default:
				// Queue full, drop batch
				p.mu.Lock()
				p.droppedBatches++
				p.mu.Unlock()
				p.logger.Debug("sealed batch dropped, queue full",
					zap.String("digest", batch.Digest.String()))
				return false
			}
		}
		// Blocking send
		p.batchChan <- batch
		return true
	}

	// Unbounded mode - direct processing
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueBatchLocked(batch)
	return true
}

// tick is called periodically to manage proposal creation and timeouts.
func (p *Primary[H, T]) tick() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// If we have a proposal in flight, check for timeout
	if p.currentHeader != nil {
		elapsed := time.Since(p.proposedAt)
		if elapsed >= p.cfg.ProposalRetryInterval {
			if p.proposalRetries < p.cfg.MaxProposalRetries {
				// Retry: re-broadcast the proposal
				p.proposalRetries++
				p.logger.Info("retrying proposal broadcast",
					zap.Uint64("round", p.currentHeader.Round),
					zap.Int("attempt", p.proposalRetries+1),
					zap.Int("signatures", len(p.signatures)))

				if p.hooks != nil && p.hooks.OnProposalTimeout != nil {
					p.hooks.OnProposalTimeout(ProposalTimeoutEvent[H]{
						CertificateID:  p.currentHeader.Digest,
						Round:          p.currentHeader.Round,
						StakeCollected: p.collectedStakeLocked(),
						QuorumStake:    p.committee.QuorumThreshold(),
						TimeoutAt:      time.Now(),
					})
				}

				p.cfg.Transport.BroadcastPropose(p.currentHeader)
				p.proposedAt = time.Now()
			} else {
				if p.hooks != nil && p.hooks.OnProposalTimeout != nil {
					p.hooks.OnProposalTimeout(ProposalTimeoutEvent[H]{
						CertificateID:  p.currentHeader.Digest,
						Round:          p.currentHeader.Round,
						StakeCollected: p.collectedStakeLocked(),
						QuorumStake:    p.committee.QuorumThreshold(),
						TimeoutAt:      time.Now(),
					})
				}

				// Max retries exceeded - abandon this proposal
				p.logger.Warn("abandoning proposal after max retries",
					zap.Uint64("round", p.currentHeader.Round),
					zap.Int("signatures", len(p.signatures)))
				p.abandonCurrentProposal()
			}
		}
		return
	}

	// Check if MaxProposalDelay has elapsed since the last sealed batch
	if len(p.pendingIDs) > 0 && !p.lastBatchSealed.IsZero() {
		if time.Since(p.lastBatchSealed) >= p.cfg.MaxProposalDelay {
			p.tryProposeLocked()
			return
		}
	}

	// Try to propose (standard timeout path)
	p.tryProposeLocked()
}

// abandonCurrentProposal clears the current proposal without forming a
// certificate. Queued transmission IDs stay for the next proposal.
func (p *Primary[H, T]) abandonCurrentProposal() {
	p.currentHeader = nil
	p.signatures = make(map[uint16][]byte)
	p.proposedCount = 0
	p.proposalRetries = 0
}

func (p *Primary[H, T]) tryProposeLocked() {
	if p.currentHeader != nil || len(p.pendingIDs) == 0 {
		return
	}

	round := p.cfg.DAG.CurrentRound()

	var previous []H
	if round > 0 {
		// Reference every certificate accepted for the previous round. The
		// DAG only advances on quorum stake, but re-check before proposing.
		if !p.cfg.DAG.ContainsQuorumForRound(round - 1) {
			return
		}
		if !p.anchorWaitSatisfiedLocked(round) {
			return
		}
		previous = p.cfg.DAG.GetPreviousCertificateIDs(round)
	}

	count := len(p.pendingIDs)
	if count > p.cfg.MaxHeaderTransmissions {
		count = p.cfg.MaxHeaderTransmissions
	}
	ids := make([]H, count)
	copy(ids, p.pendingIDs[:count])

	header := &BatchHeader[H]{
		Author:                 p.cfg.Validator,
		Round:                  round,
		Epoch:                  p.committee.Epoch(),
		Timestamp:              time.Now().UnixMilli(),
		TransmissionIDs:        ids,
		PreviousCertificateIDs: previous,
	}
	header.ComputeDigest(p.cfg.HashFunc)

	if err := header.Sign(p.cfg.Signer); err != nil {
		p.logger.Error("failed to sign proposal", zap.Error(err))
		return
	}

	p.currentHeader = header
	p.proposedCount = count
	p.signatures = map[uint16][]byte{p.cfg.Validator: header.Signature}
	p.proposedAt = time.Now()
	p.proposalRetries = 0

	p.logger.Info("proposed header",
		zap.Uint64("round", header.Round),
		zap.Int("transmissions", len(header.TransmissionIDs)),
		zap.Int("previous", len(header.PreviousCertificateIDs)))

	// Invoke hook
	if p.hooks != nil && p.hooks.OnHeaderCreated != nil {
		p.hooks.OnHeaderCreated(HeaderCreatedEvent[H]{
			Header:            header,
			TransmissionCount: len(header.TransmissionIDs),
			PreviousCount:     len(header.PreviousCertificateIDs),
			CreatedAt:         p.proposedAt,
		})
	}

	p.cfg.Transport.BroadcastPropose(header)
	p.checkQuorumLocked()
}

// leaderTrackerDepth is how many rounds of anchor records the primary keeps.
const leaderTrackerDepth = 64

// ObserveCertificate feeds an accepted certificate to the anchor tracker.
// No-op in asynchronous mode.
func (p *Primary[H, T]) ObserveCertificate(cert *BatchCertificate[H]) {
	if p.leaderTracker == nil || cert == nil {
		return
	}
	p.leaderTracker.RecordCertificate(cert)
	if round := cert.Round(); round > leaderTrackerDepth {
		p.leaderTracker.GarbageCollect(round - leaderTrackerDepth)
	}
}

// anchorWaitSatisfiedLocked gates proposals in partially synchronous mode.
// Anchors sit on odd rounds. An even-round proposal waits for the previous
// round's anchor certificate so the new header can reference it. An
// odd-round proposal checks how the certified parents voted: once the anchor
// below has availability-threshold references it can commit, and once quorum
// stake certified without referencing it no amount of waiting helps. An
// unresolved wait gives up after maxLeaderWait.
func (p *Primary[H, T]) anchorWaitSatisfiedLocked(round uint64) bool {
	if p.networkModel != NetworkModelPartiallySynchronous || p.leaderTracker == nil {
		return true
	}

	p.leaderTracker.SetRound(round)
	prev := round - 1

	satisfied := true
	if prev%2 == 1 {
		satisfied = p.leaderTracker.HasLeaderForRound(prev)
	} else if prev >= 2 {
		anchorRound := prev - 1
		var anchorID *H
		if anchor := p.leaderTracker.LeaderForRound(anchorRound); anchor != nil {
			id := anchor.ID()
			anchorID = &id
		}
		support := p.leaderTracker.CheckLeaderSupport(
			p.cfg.DAG.GetCertificatesForRound(prev), anchorID, p.committee)
		satisfied = support.ReachedAvailability || support.ReachedQuorumWithout
	}

	if satisfied {
		p.leaderWaitSince = time.Time{}
		return true
	}
	if p.leaderWaitSince.IsZero() {
		p.leaderWaitSince = time.Now()
		return false
	}
	if time.Since(p.leaderWaitSince) < p.maxLeaderWait {
		return false
	}
	p.logger.Debug("proposing without anchor after wait",
		zap.Uint64("round", round),
		zap.Duration("waited", time.Since(p.leaderWaitSince)))
	p.leaderWaitSince = time.Time{}
	return true
}

// OnProposalReceived handles a proposal from another primary.
// Before countersigning, validates:
//  1. Header digest and author signature are correct
//  2. Author is a committee member and the epoch matches
//  3. Round is not too far ahead and the timestamp is not too far in the future
//  4. Previous certificates exist in the DAG and carry quorum stake
//  5. Every referenced transmission payload is held by a worker
//  6. We haven't already signed a different proposal from this author at this round
func (p *Primary[H, T]) OnProposalReceived(header *BatchHeader[H], from uint16) error {
	if !header.VerifyDigest(p.cfg.HashFunc) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidHeader)
	}

	p.mu.Lock()
	committee := p.committee
	p.mu.Unlock()

	if !committee.Contains(header.Author) {
		return fmt.Errorf("%w: unknown author %d", ErrInvalidHeader, header.Author)
	}

	if header.Epoch != committee.Epoch() {
		return fmt.Errorf("%w: proposal epoch %d, committee epoch %d",
			ErrWrongEpoch, header.Epoch, committee.Epoch())
	}

	currentRound := p.cfg.DAG.CurrentRound()
	if header.Round > currentRound+1 {
		return fmt.Errorf("%w: round %d too far ahead of %d",
			ErrInvalidHeader, header.Round, currentRound)
	}

	// Only future skew is rejected. A stale timestamp just means the
	// proposal took a slow path to us; refusing it would punish the author
	// for our own relay latency.
	if ahead := time.Until(time.UnixMilli(header.Timestamp)); ahead > p.cfg.MaxTimestampDrift {
		return fmt.Errorf("%w: proposal timestamp %s in the future", ErrTimestampSkew, ahead)
	}

	pubKey, err := committee.Key(header.Author)
	if err != nil {
		return err
	}
	if !header.VerifySignature(pubKey) {
		return fmt.Errorf("%w: bad author signature on proposal", ErrInvalidSignature)
	}

	// Check signing idempotence before doing expensive validation work.
	// This prevents countersigning equivocating proposals (same author, same
	// round, different digest).
	decision, existingID := p.sigTracker.ShouldSign(header.Author, header.Round, header.Epoch, header.Digest)
	switch decision {
	case SignDecisionSkipOldRound:
		// We've already signed a higher round from this author
		p.logger.Debug("skipping signature for old round",
			zap.Uint16("author", header.Author),
			zap.Uint64("round", header.Round))
		return nil
	case SignDecisionSkipOldEpoch:
		return fmt.Errorf("%w: proposal from old epoch %d", ErrWrongEpoch, header.Epoch)
	case SignDecisionSkipDuplicate:
		// Already signed this exact proposal, silently skip
		return nil
	case SignDecisionSkipEquivocation:
		// Equivocation detected! Author sent different proposals at same round
		p.logger.Warn("equivocating proposal - refusing to sign",
			zap.Uint16("author", header.Author),
			zap.Uint64("round", header.Round),
			zap.String("existing", (*existingID).String()),
			zap.String("conflicting", header.Digest.String()))
		return &EquivocationError[H]{
			Author:        header.Author,
			Round:         header.Round,
			ExistingID:    *existingID,
			ConflictingID: header.Digest,
		}
	case SignDecisionAllow:
		// Proceed with validation
	}

	if header.Round == 0 {
		if len(header.PreviousCertificateIDs) > 0 {
			return fmt.Errorf("%w: round 0 proposal references previous certificates", ErrInvalidHeader)
		}
	} else {
		var missing []H
		var previousStake uint64
		seenAuthors := make(map[uint16]struct{})
		for _, prevID := range header.PreviousCertificateIDs {
			prev := p.cfg.DAG.GetCertificate(prevID)
			if prev == nil {
				missing = append(missing, prevID)
				continue
			}
			if prev.Round() != header.Round-1 {
				return fmt.Errorf("%w: previous certificate %s is round %d, expected %d",
					ErrInvalidHeader, prevID.String(), prev.Round(), header.Round-1)
			}
			if _, seen := seenAuthors[prev.Author()]; !seen {
				seenAuthors[prev.Author()] = struct{}{}
				previousStake += committee.Stake(prev.Author())
			}
		}
		if len(missing) > 0 {
			return &MissingPreviousError[H]{
				CertificateID: header.Digest,
				Round:         header.Round,
				Missing:       missing,
			}
		}
		if previousStake < committee.QuorumThreshold() {
			return fmt.Errorf("%w: previous certificates carry %d stake, quorum is %d",
				ErrInvalidHeader, previousStake, committee.QuorumThreshold())
		}
	}

	// Every referenced payload must be held before we vouch for availability.
	if p.cfg.HasTransmission != nil {
		var missingTms []H
		for _, id := range header.TransmissionIDs {
			if !p.cfg.HasTransmission(id) {
				missingTms = append(missingTms, id)
			}
		}
		if len(missingTms) > 0 {
			return fmt.Errorf("%w: proposal references %d unknown transmissions",
				ErrNotFound, len(missingTms))
		}
	}

	sig, err := p.cfg.Signer.Sign(header.Digest.Bytes())
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	share := &BatchSignature[H]{
		CertificateID: header.Digest,
		Signer:        p.cfg.Validator,
		Signature:     sig,
	}

	// Record the signature BEFORE sending (to prevent race with incoming duplicates)
	p.sigTracker.RecordSignature(header.Author, header.Round, header.Epoch, header.Digest)

	if p.hooks != nil && p.hooks.OnSignatureSent != nil {
		p.hooks.OnSignatureSent(SignatureSentEvent[H]{
			CertificateID: header.Digest,
			Author:        header.Author,
			SentAt:        time.Now(),
		})
	}

	p.cfg.Transport.SendSignature(header.Author, share)
	return nil
}

// OnSignatureReceived handles a signature share for our proposal.
func (p *Primary[H, T]) OnSignatureReceived(share *BatchSignature[H], from uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentHeader == nil || !share.CertificateID.Equals(p.currentHeader.Digest) {
		return nil
	}

	if !p.committee.Contains(share.Signer) {
		return fmt.Errorf("%w: unknown signer %d", ErrInvalidSignature, share.Signer)
	}

	// Check signature cache first (if available)
	message := share.CertificateID.Bytes()
	if p.sigCache != nil && p.sigCache.IsVerified(message, share.Signer) {
		// Already verified this signature
	} else {
		// Verify signature
		pubKey, err := p.committee.Key(share.Signer)
		if err != nil {
			return err
		}
		if !pubKey.Verify(message, share.Signature) {
			return fmt.Errorf("%w: signer %d", ErrInvalidSignature, share.Signer)
		}
		// Cache the verified signature
		if p.sigCache != nil {
			p.sigCache.MarkVerified(message, share.Signer)
		}
	}

	if _, exists := p.signatures[share.Signer]; exists {
		return nil
	}
	p.signatures[share.Signer] = share.Signature

	// Invoke hook
	if p.hooks != nil && p.hooks.OnSignatureReceived != nil {
		p.hooks.OnSignatureReceived(SignatureReceivedEvent[H]{
			CertificateID:  share.CertificateID,
			Signer:         share.Signer,
			StakeCollected: p.collectedStakeLocked(),
			QuorumStake:    p.committee.QuorumThreshold(),
			ReceivedAt:     time.Now(),
		})
	}

	p.checkQuorumLocked()
	return nil
}

// collectedStakeLocked sums the stake behind the collected signature shares.
func (p *Primary[H, T]) collectedStakeLocked() uint64 {
	var stake uint64
	for signer := range p.signatures {
		stake += p.committee.Stake(signer)
	}
	return stake
}

func (p *Primary[H, T]) checkQuorumLocked() {
	if p.currentHeader == nil {
		return
	}

	stake := p.collectedStakeLocked()
	if stake < p.committee.QuorumThreshold() {
		return
	}

	cert := NewBatchCertificate(p.currentHeader, p.signatures)
	certFormedAt := time.Now()

	p.logger.Info("formed certificate",
		zap.Uint64("round", cert.Round()),
		zap.Int("signers", cert.SignerCount()),
		zap.Uint64("stake", stake))

	// Invoke hook
	if p.hooks != nil && p.hooks.OnCertificateFormed != nil {
		p.hooks.OnCertificateFormed(CertificateFormedEvent[H]{
			Certificate: cert,
			SignerCount: cert.SignerCount(),
			Stake:       stake,
			Latency:     certFormedAt.Sub(p.proposedAt),
			FormedAt:    certFormedAt,
		})
	}

	if err := p.cfg.Store.PutCertificate(cert); err != nil {
		p.logger.Warn("failed to store certificate", zap.Error(err))
	}
	_ = p.cfg.Store.PutHighestRound(cert.Round()) // Best-effort

	p.cfg.Transport.BroadcastCertified(cert)

	// Shares were verified individually as they arrived.
	if err := p.cfg.DAG.InsertCertificate(cert); err != nil {
		p.logger.Warn("failed to insert own certificate",
			zap.Uint64("round", cert.Round()),
			zap.Error(err))
	}
	p.ObserveCertificate(cert)

	// Certified transmissions leave the queue; the remainder rolls over.
	p.pendingIDs = p.pendingIDs[p.proposedCount:]
	p.currentHeader = nil
	p.signatures = make(map[uint16][]byte)
	p.proposedCount = 0
	p.proposalRetries = 0
	p.lastBatchSealed = time.Time{} // Reset
}

// PrimaryStats contains primary statistics for monitoring.
type PrimaryStats struct {
	PendingIDs        int    // Transmission IDs waiting for proposal
	QueuedBatches     int    // Sealed batches in channel (if bounded)
	DroppedBatches    uint64 // Batches dropped due to full queue
	MaxPending        int    // Maximum queued batches allowed
	IsBounded         bool   // Whether bounded mode is enabled
	HasActiveProposal bool   // Whether a proposal is awaiting signatures
	CollectedStake    uint64 // Stake collected for the active proposal
	ProposalRetries   int    // Retry count for the active proposal
}

// Stats returns current primary statistics.
func (p *Primary[H, T]) Stats() PrimaryStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PrimaryStats{
		PendingIDs:        len(p.pendingIDs),
		DroppedBatches:    p.droppedBatches,
		MaxPending:        p.maxPending,
		IsBounded:         p.batchChan != nil,
		HasActiveProposal: p.currentHeader != nil,
		CollectedStake:    p.collectedStakeLocked(),
		ProposalRetries:   p.proposalRetries,
	}

	if p.batchChan != nil {
		stats.QueuedBatches = len(p.batchChan)
	}

	return stats
}
