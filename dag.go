package bullshark

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sortCertificates sorts certificates by (round, author, certificate ID) for
// deterministic ordering. The ID tiebreak keeps the order total even on
// inputs that never co-exist in an honest DAG.
func sortCertificates[H Hash](certs []*BatchCertificate[H]) {
	slices.SortFunc(certs, func(a, b *BatchCertificate[H]) int {
		if a.Round() != b.Round() {
			if a.Round() < b.Round() {
				return -1
			}
			return 1
		}
		if a.Author() != b.Author() {
			if a.Author() < b.Author() {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.ID().Bytes(), b.ID().Bytes())
	})
}

// EquivocationEvidence contains proof of an author creating conflicting
// certificates in one round.
type EquivocationEvidence[H Hash] struct {
	Author       uint16
	Round        uint64
	Certificate1 *BatchCertificate[H]
	Certificate2 *BatchCertificate[H]
}

// DeferredCertificate is a certificate waiting for missing previous-round
// certificates before it can be accepted.
type DeferredCertificate[H Hash] struct {
	Certificate *BatchCertificate[H]
	Missing     []H
}

// DAG is the single source of truth for certified data: the round-indexed,
// backward-linked graph of batch certificates. It holds certificate IDs and
// headers only, never transmission payloads, which belong to the workers.
// All mutations are serialized behind one lock so equivocation and quorum
// checks are race-free; reads take consistent snapshots.
type DAG[H Hash] struct {
	mu sync.RWMutex

	// Round -> Author -> Certificate
	vertices map[uint64]map[uint16]*BatchCertificate[H]

	// Certificate ID (full hash bytes as string) -> certificate
	byID map[string]*BatchCertificate[H]

	// Uncommitted certificates (not yet ordered by the commit engine)
	uncommitted map[string]*BatchCertificate[H]

	// Certificates deferred on missing previous-round links (ID -> deferred)
	deferred map[string]*DeferredCertificate[H]

	// Authors flagged for equivocation, by round
	flagged map[uint64]map[uint16]struct{}

	// Current round (advances on quorum stake for the round)
	currentRound uint64

	// GC watermark - rounds below this have been pruned
	gcRound uint64

	committee *Committee
	hooks     *Hooks[H]
	logger    *zap.Logger

	// Optimized crypto verification (optional)
	cryptoProvider CryptoProvider
	sigCache       *SignatureCache

	onEquivocation func(evidence *EquivocationEvidence[H])
}

// NewDAG creates a new DAG instance.
func NewDAG[H Hash](committee *Committee, logger *zap.Logger) *DAG[H] {
	return NewDAGWithHooks[H](committee, nil, logger)
}

// NewDAGWithHooks creates a new DAG instance with observability hooks.
func NewDAGWithHooks[H Hash](committee *Committee, hooks *Hooks[H], logger *zap.Logger) *DAG[H] {
	return NewDAGWithCrypto[H](committee, hooks, nil, nil, logger)
}

// NewDAGWithCrypto creates a new DAG instance with optimized crypto
// verification. If cryptoProvider is non-nil, certificate validation uses
// batch verification. If sigCache is non-nil, verified signatures are cached
// to avoid re-verification.
func NewDAGWithCrypto[H Hash](
	committee *Committee,
	hooks *Hooks[H],
	cryptoProvider CryptoProvider,
	sigCache *SignatureCache,
	logger *zap.Logger,
) *DAG[H] {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DAG[H]{
		vertices:       make(map[uint64]map[uint16]*BatchCertificate[H]),
		byID:           make(map[string]*BatchCertificate[H]),
		uncommitted:    make(map[string]*BatchCertificate[H]),
		deferred:       make(map[string]*DeferredCertificate[H]),
		flagged:        make(map[uint64]map[uint16]struct{}),
		committee:      committee,
		hooks:          hooks,
		cryptoProvider: cryptoProvider,
		sigCache:       sigCache,
		logger:         logger.With(zap.String("component", "dag")),
	}
}

// OnEquivocation sets a callback invoked with evidence when an author
// produces two certificates for one round.
func (d *DAG[H]) OnEquivocation(callback func(evidence *EquivocationEvidence[H])) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEquivocation = callback
}

// SetCommittee swaps in a new committee snapshot on epoch change.
func (d *DAG[H]) SetCommittee(committee *Committee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.committee = committee
}

// Committee returns the committee snapshot currently in effect.
func (d *DAG[H]) Committee() *Committee {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.committee
}

// ValidateCertificate validates a certificate's signatures and quorum stake
// using the DAG's crypto provider, falling back to sequential verification.
func (d *DAG[H]) ValidateCertificate(cert *BatchCertificate[H]) error {
	d.mu.RLock()
	committee := d.committee
	d.mu.RUnlock()

	if d.cryptoProvider != nil {
		return cert.ValidateWithCrypto(committee, d.cryptoProvider, d.sigCache)
	}
	return cert.Validate(committee)
}

// InsertValidatedCertificate validates signatures and quorum stake, then
// inserts. This is the path for certificates received from the network.
func (d *DAG[H]) InsertValidatedCertificate(cert *BatchCertificate[H]) error {
	// Crypto runs outside the lock for parallelism.
	if err := d.ValidateCertificate(cert); err != nil {
		return fmt.Errorf("certificate validation failed: %w", err)
	}

	return d.InsertCertificate(cert)
}

// InsertCertificate adds a certified vertex to the DAG after structural
// checks: epoch match, previous links strictly in round-1, no equivocation.
// Certificates whose previous links are unknown are deferred and a
// MissingPreviousError is returned so the caller can fetch the gaps.
// Signature validation is the caller's responsibility (or use
// InsertValidatedCertificate). Insertion is idempotent.
func (d *DAG[H]) InsertCertificate(cert *BatchCertificate[H]) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.insertCertificateLocked(cert)
}

func (d *DAG[H]) insertCertificateLocked(cert *BatchCertificate[H]) error {
	id := string(cert.ID().Bytes())
	round := cert.Round()
	author := cert.Author()

	// Below the GC watermark means already committed and pruned.
	if round < d.gcRound {
		return nil
	}

	if _, exists := d.byID[id]; exists {
		return nil // Already have it
	}
	if _, exists := d.deferred[id]; exists {
		return nil // Already deferred
	}

	if cert.Header.Epoch != d.committee.Epoch() {
		return fmt.Errorf("%w: certificate epoch %d, committee epoch %d",
			ErrWrongEpoch, cert.Header.Epoch, d.committee.Epoch())
	}

	// Check for equivocation (same author, same round, different ID).
	if existing := d.getLocked(round, author); existing != nil {
		if !existing.ID().Equals(cert.ID()) {
			evidence := &EquivocationEvidence[H]{
				Author:       author,
				Round:        round,
				Certificate1: existing,
				Certificate2: cert,
			}
			d.flagAuthorLocked(round, author)
			d.logger.Warn("equivocation detected",
				zap.Uint16("author", author),
				zap.Uint64("round", round),
				zap.String("cert1", existing.ID().String()),
				zap.String("cert2", cert.ID().String()))

			// Callback runs outside the lock to avoid deadlock.
			if d.onEquivocation != nil {
				go d.onEquivocation(evidence)
			}
			if d.hooks != nil && d.hooks.OnEquivocationDetected != nil {
				d.hooks.OnEquivocationDetected(EquivocationDetectedEvent[H]{
					Author:     author,
					Round:      round,
					FirstID:    existing.ID(),
					SecondID:   cert.ID(),
					DetectedAt: time.Now(),
				})
			}
			return &EquivocationError[H]{
				Author:        author,
				Round:         round,
				ExistingID:    existing.ID(),
				ConflictingID: cert.ID(),
			}
		}
	}

	// Round 0 is genesis: no previous links allowed.
	if round == 0 && len(cert.Header.PreviousCertificateIDs) > 0 {
		return fmt.Errorf("%w: round 0 certificate references previous certificates",
			ErrInvalidCertificate)
	}

	// Every known previous link must sit exactly one round back; unknown
	// links defer acceptance until they arrive.
	var missing []H
	if round > 0 {
		for _, prevID := range cert.Header.PreviousCertificateIDs {
			prev, exists := d.byID[string(prevID.Bytes())]
			if !exists {
				if round-1 < d.gcRound {
					// Pruned ancestry is already committed; treat as known.
					continue
				}
				missing = append(missing, prevID)
				continue
			}
			if prev.Round() != round-1 {
				return fmt.Errorf("%w: previous certificate %s is round %d, expected %d",
					ErrInvalidCertificate, prevID.String(), prev.Round(), round-1)
			}
		}
	}

	if len(missing) > 0 {
		d.deferred[id] = &DeferredCertificate[H]{
			Certificate: cert,
			Missing:     missing,
		}
		d.logger.Debug("certificate deferred on missing previous links",
			zap.Uint64("round", round),
			zap.Uint16("author", author),
			zap.Int("missing_count", len(missing)))

		if d.hooks != nil && d.hooks.OnCertificateDeferred != nil {
			d.hooks.OnCertificateDeferred(CertificateDeferredEvent[H]{
				Certificate: cert,
				Missing:     missing,
				DeferredAt:  time.Now(),
			})
		}
		return &MissingPreviousError[H]{
			CertificateID: cert.ID(),
			Round:         round,
			Missing:       missing,
		}
	}

	if d.vertices[round] == nil {
		d.vertices[round] = make(map[uint16]*BatchCertificate[H])
	}
	d.vertices[round][author] = cert
	d.byID[id] = cert
	d.uncommitted[id] = cert

	totalInRound := len(d.vertices[round])

	if d.hooks != nil && d.hooks.OnCertificateInserted != nil {
		d.hooks.OnCertificateInserted(CertificateInsertedEvent[H]{
			Certificate:   cert,
			Round:         round,
			Author:        author,
			PreviousCount: len(cert.Header.PreviousCertificateIDs),
			TotalInRound:  totalInRound,
			InsertedAt:    time.Now(),
		})
	}

	d.maybeAdvanceRoundLocked()

	d.logger.Debug("inserted certificate",
		zap.Uint64("round", round),
		zap.Uint16("author", author),
		zap.String("id", cert.ID().String()))

	// A new vertex may unblock deferred certificates.
	d.processDeferredLocked()

	return nil
}

// processDeferredLocked retries deferred certificates whose previous links
// have all arrived.
func (d *DAG[H]) processDeferredLocked() {
	for {
		progress := false
		for id, dc := range d.deferred {
			ready := true
			for _, prevID := range dc.Missing {
				if _, exists := d.byID[string(prevID.Bytes())]; !exists {
					ready = false
					break
				}
			}

			if ready {
				delete(d.deferred, id)
				if err := d.insertCertificateLocked(dc.Certificate); err != nil {
					d.logger.Warn("failed to insert previously deferred certificate",
						zap.String("id", dc.Certificate.ID().String()),
						zap.Error(err))
				}
				progress = true
				break // Restart, the map was modified
			}
		}
		if !progress {
			return
		}
	}
}

// maybeAdvanceRoundLocked advances while the current round holds
// certificates from authors whose combined stake reaches quorum.
func (d *DAG[H]) maybeAdvanceRoundLocked() {
	for {
		if !d.containsQuorumForRoundLocked(d.currentRound) {
			return
		}
		oldRound := d.currentRound
		certsInRound := len(d.vertices[oldRound])
		d.currentRound++
		d.logger.Info("advanced to round", zap.Uint64("round", d.currentRound))

		if d.hooks != nil && d.hooks.OnRoundAdvanced != nil {
			d.hooks.OnRoundAdvanced(RoundAdvancedEvent{
				OldRound:            oldRound,
				NewRound:            d.currentRound,
				CertificatesInRound: certsInRound,
				AdvancedAt:          time.Now(),
			})
		}
	}
}

func (d *DAG[H]) containsQuorumForRoundLocked(round uint64) bool {
	roundCerts := d.vertices[round]
	if roundCerts == nil {
		return false
	}
	var stake uint64
	for author := range roundCerts {
		stake += d.committee.Stake(author)
	}
	return stake >= d.committee.QuorumThreshold()
}

// ContainsQuorumForRound returns true when certificates from a stake-
// weighted quorum of distinct authors exist for the round.
func (d *DAG[H]) ContainsQuorumForRound(round uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.containsQuorumForRoundLocked(round)
}

// flagAuthorLocked records an equivocating author for the round.
func (d *DAG[H]) flagAuthorLocked(round uint64, author uint16) {
	if d.flagged[round] == nil {
		d.flagged[round] = make(map[uint16]struct{})
	}
	d.flagged[round][author] = struct{}{}
}

// IsFlagged returns true if the author was caught equivocating in the round.
func (d *DAG[H]) IsFlagged(round uint64, author uint16) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.flagged[round][author]
	return ok
}

// GetUncommitted returns certificates not yet ordered by the commit engine,
// sorted by (round, author, ID) for deterministic ordering.
func (d *DAG[H]) GetUncommitted() []*BatchCertificate[H] {
	d.mu.RLock()
	defer d.mu.RUnlock()

	certs := make([]*BatchCertificate[H], 0, len(d.uncommitted))
	for _, cert := range d.uncommitted {
		certs = append(certs, cert)
	}

	sortCertificates(certs)
	return certs
}

// GetUncommittedUpTo returns uncommitted certificates with round <= maxRound,
// sorted by (round, author, ID).
func (d *DAG[H]) GetUncommittedUpTo(maxRound uint64) []*BatchCertificate[H] {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var certs []*BatchCertificate[H]
	for _, cert := range d.uncommitted {
		if cert.Round() <= maxRound {
			certs = append(certs, cert)
		}
	}

	sortCertificates(certs)
	return certs
}

// MarkCommitted marks certificates as ordered by the commit engine, allowing
// later garbage collection.
func (d *DAG[H]) MarkCommitted(certs []*BatchCertificate[H]) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, cert := range certs {
		delete(d.uncommitted, string(cert.ID().Bytes()))
	}
}

// IsCertified checks if a certificate with the given ID exists in the DAG.
func (d *DAG[H]) IsCertified(id H) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.byID[string(id.Bytes())]
	return exists
}

// CurrentRound returns the current DAG round.
func (d *DAG[H]) CurrentRound() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentRound
}

// GCRound returns the garbage collection watermark.
func (d *DAG[H]) GCRound() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gcRound
}

// Get returns the certificate for (round, author), or nil.
func (d *DAG[H]) Get(round uint64, author uint16) *BatchCertificate[H] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getLocked(round, author)
}

func (d *DAG[H]) getLocked(round uint64, author uint16) *BatchCertificate[H] {
	if d.vertices[round] == nil {
		return nil
	}
	return d.vertices[round][author]
}

// GetCertificate retrieves a certificate by its ID, or nil.
func (d *DAG[H]) GetCertificate(id H) *BatchCertificate[H] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byID[string(id.Bytes())]
}

// GetPreviousCertificateIDs returns the IDs of all certificates accepted for
// round-1, sorted by author, for a primary proposing at the given round.
// Returns nil for round 0.
func (d *DAG[H]) GetPreviousCertificateIDs(round uint64) []H {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if round == 0 {
		return nil
	}

	certs := d.vertices[round-1]
	if certs == nil {
		return nil
	}

	ids := make([]H, 0, len(certs))
	for i := 0; i < d.committee.Size(); i++ {
		if cert, exists := certs[uint16(i)]; exists {
			ids = append(ids, cert.ID())
		}
	}
	return ids
}

// GetCertificatesForRound returns all certificates for a round, sorted by
// author for deterministic ordering.
func (d *DAG[H]) GetCertificatesForRound(round uint64) []*BatchCertificate[H] {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roundCerts := d.vertices[round]
	if roundCerts == nil {
		return nil
	}

	certs := make([]*BatchCertificate[H], 0, len(roundCerts))
	for i := uint16(0); i < uint16(d.committee.Size()); i++ {
		if cert, exists := roundCerts[i]; exists {
			certs = append(certs, cert)
		}
	}
	return certs
}

// CertificateCountForRound returns the number of certificates for a round.
func (d *DAG[H]) CertificateCountForRound(round uint64) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.vertices[round] == nil {
		return 0
	}
	return len(d.vertices[round])
}

// Locators summarizes the certificate IDs held for up to maxRounds rounds
// ending at the current round, for ping gossip.
func (d *DAG[H]) Locators(maxRounds int) []CertificateLocator[H] {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var startRound uint64
	if uint64(maxRounds) <= d.currentRound {
		startRound = d.currentRound - uint64(maxRounds) + 1
	}
	if startRound < d.gcRound {
		startRound = d.gcRound
	}

	var locators []CertificateLocator[H]
	for round := startRound; round <= d.currentRound; round++ {
		roundCerts := d.vertices[round]
		if len(roundCerts) == 0 {
			continue
		}
		ids := make([]H, 0, len(roundCerts))
		for i := uint16(0); i < uint16(d.committee.Size()); i++ {
			if cert, exists := roundCerts[i]; exists {
				ids = append(ids, cert.ID())
			}
		}
		locators = append(locators, CertificateLocator[H]{
			Round:          round,
			CertificateIDs: ids,
		})
	}
	return locators
}

// GarbageCollect removes all data for rounds strictly less than beforeRound.
func (d *DAG[H]) GarbageCollect(beforeRound uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for round := d.gcRound; round < beforeRound; round++ {
		roundCerts := d.vertices[round]
		if roundCerts != nil {
			for _, cert := range roundCerts {
				id := string(cert.ID().Bytes())
				delete(d.byID, id)
				delete(d.uncommitted, id)
				removed++
			}
			delete(d.vertices, round)
		}
		delete(d.flagged, round)
	}
	if beforeRound > d.gcRound {
		d.gcRound = beforeRound
	}

	// Deferred certificates below the watermark can never be accepted.
	for id, dc := range d.deferred {
		if dc.Certificate.Round() < d.gcRound {
			delete(d.deferred, id)
		}
	}

	if d.hooks != nil && d.hooks.OnGarbageCollected != nil {
		d.hooks.OnGarbageCollected(GarbageCollectedEvent{
			BeforeRound: beforeRound,
			Removed:     removed,
			CollectedAt: time.Now(),
		})
	}

	d.logger.Info("garbage collected",
		zap.Uint64("before_round", beforeRound),
		zap.Uint64("gc_round", d.gcRound),
		zap.Int("removed", removed))
}

// DAGStats contains DAG statistics for monitoring.
type DAGStats struct {
	CurrentRound     uint64
	GCRound          uint64
	TotalVertices    int
	UncommittedCount int
	DeferredCount    int
	RoundCounts      map[uint64]int
}

// Stats returns current DAG statistics.
func (d *DAG[H]) Stats() DAGStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roundCounts := make(map[uint64]int)
	for round, certs := range d.vertices {
		roundCounts[round] = len(certs)
	}

	return DAGStats{
		CurrentRound:     d.currentRound,
		GCRound:          d.gcRound,
		TotalVertices:    len(d.byID),
		UncommittedCount: len(d.uncommitted),
		DeferredCount:    len(d.deferred),
		RoundCounts:      roundCounts,
	}
}

// GetDeferredCertificates returns all certificates waiting on missing
// previous links.
func (d *DAG[H]) GetDeferredCertificates() []*DeferredCertificate[H] {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]*DeferredCertificate[H], 0, len(d.deferred))
	for _, dc := range d.deferred {
		result = append(result, dc)
	}
	return result
}

// GetMissingPrevious returns all unique previous-certificate IDs that
// deferred certificates are waiting for.
func (d *DAG[H]) GetMissingPrevious() []H {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[string]bool)
	var missing []H

	for _, dc := range d.deferred {
		for _, prevID := range dc.Missing {
			key := string(prevID.Bytes())
			if !seen[key] {
				seen[key] = true
				if _, exists := d.byID[key]; !exists {
					missing = append(missing, prevID)
				}
			}
		}
	}
	return missing
}
