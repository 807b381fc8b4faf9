package bullshark

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CommittedSubDAG is one ordered emission from the commit engine: an anchor
// certificate plus every uncommitted certificate at or below the anchor
// round, in deterministic order (round ascending, author ascending, ID
// ascending, with the anchor hoisted first within its own round).
type CommittedSubDAG[H Hash, T Transmission[H]] struct {
	// Height is the commit sequence number, starting at 1.
	Height uint64

	Anchor      *BatchCertificate[H]
	AnchorRound uint64

	// Certificates in commit order.
	Certificates []*BatchCertificate[H]

	// TransmissionIDs referenced by the certificates, deduplicated in
	// emission order. Transmissions holds the resolved payloads, index
	// aligned with TransmissionIDs.
	TransmissionIDs []H
	Transmissions   []T
}

// CommitConfig configures a commit engine.
type CommitConfig[H Hash, T Transmission[H]] struct {
	DAG       *DAG[H]
	Committee *Committee
	Schedule  LeaderSchedule
	Ledger    LedgerService[H, T]
	Store     Store[H, T]
	Hooks     *Hooks[H]
	Logger    *zap.Logger

	// GetTransmission resolves a payload held by a local worker or the store.
	GetTransmission func(id H) (T, bool)

	// RequestTransmission starts a fetch for a payload needed to deliver a
	// commit. Optional; without it a missing payload stalls the frontier
	// until the payload arrives by other means.
	RequestTransmission func(id H)

	// ScanInterval drives the periodic commit scan (default: 100ms).
	ScanInterval time.Duration
}

// CommitEngine applies the leader-based commit rule over the DAG.
//
// Anchor rounds are the odd rounds; the anchor author for round r is chosen
// by the leader schedule, a pure function of the committee snapshot and r.
// An anchor certificate commits once round r+2 holds certificates from a
// quorum-stake set of authors that each have a causal path back to it. An
// anchor is skipped once enough round r+2 stake has accumulated without such
// paths that quorum support can no longer form. An anchor left undecided by
// the direct rule is resolved by the first later anchor that commits: anchors
// on the committed anchor's causal chain commit, the rest are skipped.
// Emission order stays ascending by anchor round, so two validators holding
// the same certificates emit identical sequences.
type CommitEngine[H Hash, T Transmission[H]] struct {
	mu sync.Mutex

	cfg       CommitConfig[H, T]
	committee *Committee
	schedule  LeaderSchedule

	frontier uint64 // Highest committed anchor round
	height   uint64 // Blocks emitted so far

	// An emission the ledger has not yet accepted. Held and retried as-is
	// so a ledger fault never changes the committed order.
	pendingEmission *CommittedSubDAG[H, T]

	skippedAnchors uint64
	ledgerFaults   uint64
	lastCommitAt   time.Time

	hooks  *Hooks[H]
	logger *zap.Logger
}

// NewCommitEngine creates a commit engine.
func NewCommitEngine[H Hash, T Transmission[H]](cfg CommitConfig[H, T]) *CommitEngine[H, T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 100 * time.Millisecond
	}
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = NewStakeWeightedLeaderSchedule(cfg.Committee)
	}

	return &CommitEngine[H, T]{
		cfg:       cfg,
		committee: cfg.Committee,
		schedule:  schedule,
		hooks:     cfg.Hooks,
		logger:    logger.With(zap.String("component", "commit")),
	}
}

// SetCommittee swaps in a new committee snapshot on epoch change.
func (e *CommitEngine[H, T]) SetCommittee(committee *Committee, schedule LeaderSchedule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.committee = committee
	if schedule != nil {
		e.schedule = schedule
	} else {
		e.schedule = NewStakeWeightedLeaderSchedule(committee)
	}
}

// SetFrontier restores the commit frontier after a restart. Rounds at or
// below the frontier are treated as already delivered.
func (e *CommitEngine[H, T]) SetFrontier(round uint64, height uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frontier = round
	e.height = height
}

// Frontier returns the highest committed anchor round.
func (e *CommitEngine[H, T]) Frontier() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frontier
}

// Run starts the periodic commit scan.
func (e *CommitEngine[H, T]) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Scan()
		}
	}
}

// nextAnchorRound returns the first anchor round strictly above the frontier.
// Anchor rounds are odd.
func nextAnchorRound(frontier uint64) uint64 {
	r := frontier + 1
	if r%2 == 0 {
		r++
	}
	return r
}

// Scan advances the commit frontier as far as the DAG allows. Safe to call
// from any goroutine; typically driven by Run and by round-advance hooks.
func (e *CommitEngine[H, T]) Scan() {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A held emission must clear before anything newer is considered.
	if e.pendingEmission != nil {
		if !e.deliverLocked(e.pendingEmission) {
			return
		}
		e.pendingEmission = nil
	}

	for {
		r := nextAnchorRound(e.frontier)

		author := e.schedule.Leader(r)
		anchor := e.cfg.DAG.Get(r, author)

		supporting, nonsupporting := e.anchorSupportLocked(r, anchor)
		quorum := e.committee.QuorumThreshold()

		if anchor != nil && supporting >= quorum {
			emission := e.buildEmissionLocked(anchor, r)
			if !e.deliverLocked(emission) {
				e.pendingEmission = emission
				return
			}
			continue
		}

		// The anchor is skipped once the stake that certified round r+2
		// without a path to it leaves quorum support unreachable. Support
		// per author is fixed at certificate insertion, so this decision
		// is stable: no later run with the same certificates commits what
		// another run skipped.
		if e.committee.TotalStake()-nonsupporting < quorum {
			e.logger.Debug("anchor skipped",
				zap.Uint64("round", r),
				zap.Uint16("leader", author),
				zap.Bool("certified", anchor != nil),
				zap.Uint64("nonsupporting", nonsupporting))
			e.skippedAnchors++
			e.frontier = r
			continue
		}

		// Undecided by the direct rule. A later anchor that commits
		// settles it: walking that anchor's chain back down, each earlier
		// anchor commits when the chain reaches it and is skipped when it
		// does not.
		chain := e.decideByLaterAnchorLocked(r, quorum)
		if chain == nil {
			// Wait for more certificates.
			return
		}
		for _, decision := range chain {
			if decision.anchor == nil {
				e.logger.Debug("anchor skipped",
					zap.Uint64("round", decision.round),
					zap.Uint16("leader", e.schedule.Leader(decision.round)))
				e.skippedAnchors++
				e.frontier = decision.round
				continue
			}
			emission := e.buildEmissionLocked(decision.anchor, decision.round)
			if !e.deliverLocked(emission) {
				e.pendingEmission = emission
				return
			}
		}
	}
}

// anchorDecision records the fate of one anchor round: a certificate to
// commit, or nil for a skip.
type anchorDecision[H Hash] struct {
	round  uint64
	anchor *BatchCertificate[H]
}

// decideByLaterAnchorLocked looks for the lowest anchor round above the
// undecided one that commits by the direct support rule, then decides every
// anchor round from undecided up to it: an earlier anchor commits exactly
// when the chain of committed anchors above it has a causal path down to it.
// Returns the decisions in ascending round order, or nil when no later anchor
// commits yet.
func (e *CommitEngine[H, T]) decideByLaterAnchorLocked(undecided, quorum uint64) []anchorDecision[H] {
	top := e.cfg.DAG.CurrentRound()

	for later := undecided + 2; later <= top; later += 2 {
		anchor := e.cfg.DAG.Get(later, e.schedule.Leader(later))
		if anchor == nil {
			continue
		}
		if supporting, _ := e.anchorSupportLocked(later, anchor); supporting < quorum {
			continue
		}

		decisions := []anchorDecision[H]{{round: later, anchor: anchor}}
		last := anchor
		for rr := later - 2; ; rr -= 2 {
			a := e.cfg.DAG.Get(rr, e.schedule.Leader(rr))
			if a != nil && e.reachesLocked(last, rr, string(a.ID().Bytes())) {
				decisions = append(decisions, anchorDecision[H]{round: rr, anchor: a})
				last = a
			} else {
				decisions = append(decisions, anchorDecision[H]{round: rr})
			}
			if rr == undecided {
				break
			}
		}

		for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
			decisions[i], decisions[j] = decisions[j], decisions[i]
		}
		return decisions
	}
	return nil
}

// anchorSupportLocked partitions the stake certified for round r+2 by
// whether each certificate has a causal path back to the anchor. Both sums
// only grow as certificates arrive, and a certificate's ancestry is fixed
// when it is accepted, so commit and skip decisions are immutable.
func (e *CommitEngine[H, T]) anchorSupportLocked(r uint64, anchor *BatchCertificate[H]) (supporting, nonsupporting uint64) {
	voters := e.cfg.DAG.GetCertificatesForRound(r + 2)
	if len(voters) == 0 {
		return 0, 0
	}

	var anchorKey string
	if anchor != nil {
		id := anchor.ID()
		anchorKey = string(id.Bytes())
	}

	for _, cert := range voters {
		stake := e.committee.Stake(cert.Author())
		if anchor != nil && e.reachesLocked(cert, r, anchorKey) {
			supporting += stake
		} else {
			nonsupporting += stake
		}
	}
	return supporting, nonsupporting
}

// reachesLocked reports whether cert has a causal path down to the
// certificate with the given key at round target. Walks previous links one
// round at a time; every accepted certificate's parents are accepted, so the
// walk never dead-ends above the target round.
func (e *CommitEngine[H, T]) reachesLocked(cert *BatchCertificate[H], target uint64, targetKey string) bool {
	frontier := map[string]*BatchCertificate[H]{
		string(cert.ID().Bytes()): cert,
	}

	for round := cert.Round(); round > target; round-- {
		next := make(map[string]*BatchCertificate[H])
		for _, c := range frontier {
			for _, prevID := range c.Header.PreviousCertificateIDs {
				key := string(prevID.Bytes())
				if round-1 == target {
					if key == targetKey {
						return true
					}
					continue
				}
				if _, ok := next[key]; ok {
					continue
				}
				if prev := e.cfg.DAG.GetCertificate(prevID); prev != nil {
					next[key] = prev
				}
			}
		}
		if len(next) == 0 && round-1 > target {
			return false
		}
		frontier = next
	}
	return false
}

// buildEmissionLocked assembles the ordered emission for a committed anchor:
// every uncommitted certificate at or below the anchor round, with the
// anchor hoisted to the front of its own round.
func (e *CommitEngine[H, T]) buildEmissionLocked(anchor *BatchCertificate[H], r uint64) *CommittedSubDAG[H, T] {
	window := e.cfg.DAG.GetUncommittedUpTo(r)

	anchorKey := string(anchor.ID().Bytes())
	ordered := make([]*BatchCertificate[H], 0, len(window))
	var trailing []*BatchCertificate[H]
	for _, cert := range window {
		if cert.Round() < r {
			ordered = append(ordered, cert)
			continue
		}
		if string(cert.ID().Bytes()) == anchorKey {
			continue
		}
		trailing = append(trailing, cert)
	}
	ordered = append(ordered, anchor)
	ordered = append(ordered, trailing...)

	seen := make(map[string]struct{})
	var ids []H
	for _, cert := range ordered {
		for _, id := range cert.Header.TransmissionIDs {
			key := string(id.Bytes())
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			ids = append(ids, id)
		}
	}

	return &CommittedSubDAG[H, T]{
		Height:          e.height + 1,
		Anchor:          anchor,
		AnchorRound:     r,
		Certificates:    ordered,
		TransmissionIDs: ids,
	}
}

// deliverLocked resolves payloads and hands the emission to the ledger.
// Returns false when delivery must be retried: missing payloads or a ledger
// fault hold the frontier in place without touching the DAG.
func (e *CommitEngine[H, T]) deliverLocked(emission *CommittedSubDAG[H, T]) bool {
	if e.cfg.GetTransmission != nil && len(emission.Transmissions) != len(emission.TransmissionIDs) {
		transmissions := make([]T, 0, len(emission.TransmissionIDs))
		var missing []H
		for _, id := range emission.TransmissionIDs {
			tm, ok := e.cfg.GetTransmission(id)
			if !ok {
				missing = append(missing, id)
				continue
			}
			transmissions = append(transmissions, tm)
		}
		if len(missing) > 0 {
			e.logger.Debug("commit waiting on payloads",
				zap.Uint64("round", emission.AnchorRound),
				zap.Int("missing", len(missing)))
			if e.cfg.RequestTransmission != nil {
				for _, id := range missing {
					e.cfg.RequestTransmission(id)
				}
			}
			return false
		}
		emission.Transmissions = transmissions
	}

	if e.cfg.Ledger != nil {
		if err := e.cfg.Ledger.CheckNextBlock(emission); err != nil {
			e.ledgerFaults++
			e.logger.Error("ledger rejected block",
				zap.Uint64("height", emission.Height),
				zap.Uint64("round", emission.AnchorRound),
				zap.Error(err))
			return false
		}
		if err := e.cfg.Ledger.AdvanceToNextBlock(emission); err != nil {
			e.ledgerFaults++
			e.logger.Error("ledger failed to advance",
				zap.Uint64("height", emission.Height),
				zap.Uint64("round", emission.AnchorRound),
				zap.Error(err))
			return false
		}
	}

	e.cfg.DAG.MarkCommitted(emission.Certificates)
	e.frontier = emission.AnchorRound
	e.height = emission.Height
	e.lastCommitAt = time.Now()

	if e.cfg.Store != nil {
		if err := e.cfg.Store.PutCommitState(e.frontier, e.height); err != nil {
			e.logger.Warn("failed to persist commit state", zap.Error(err))
		}
	}

	e.logger.Info("committed sub-DAG",
		zap.Uint64("height", emission.Height),
		zap.Uint64("round", emission.AnchorRound),
		zap.Uint16("leader", emission.Anchor.Author()),
		zap.Int("certificates", len(emission.Certificates)),
		zap.Int("transmissions", len(emission.TransmissionIDs)))

	if e.hooks != nil && e.hooks.OnCommit != nil {
		e.hooks.OnCommit(CommitEvent[H]{
			AnchorID:     emission.Anchor.ID(),
			AnchorRound:  emission.AnchorRound,
			Certificates: len(emission.Certificates),
			Transmission: len(emission.TransmissionIDs),
			Frontier:     e.frontier,
			CommittedAt:  e.lastCommitAt,
		})
	}

	return true
}

// CommitStats contains commit engine statistics for monitoring.
type CommitStats struct {
	Frontier        uint64
	Height          uint64
	SkippedAnchors  uint64
	LedgerFaults    uint64
	PendingEmission bool
	LastCommitAt    time.Time
}

// Stats returns current commit engine statistics.
func (e *CommitEngine[H, T]) Stats() CommitStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return CommitStats{
		Frontier:        e.frontier,
		Height:          e.height,
		SkippedAnchors:  e.skippedAnchors,
		LedgerFaults:    e.ledgerFaults,
		PendingEmission: e.pendingEmission != nil,
		LastCommitAt:    e.lastCommitAt,
	}
}
