package bullshark

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReconfigurationState represents the current state of an epoch change.
type ReconfigurationState uint8

const (
	// ReconfigurationStateIdle means no epoch change is in progress.
	ReconfigurationStateIdle ReconfigurationState = iota

	// ReconfigurationStatePending means a new committee has been proposed
	// but not yet finalized (waiting for quorum confirmation).
	ReconfigurationStatePending

	// ReconfigurationStateCommitting means the epoch change is being applied
	// (draining in-flight operations, swapping the committee snapshot).
	ReconfigurationStateCommitting

	// ReconfigurationStateComplete means the epoch change has been applied.
	ReconfigurationStateComplete
)

// String returns a human-readable name for the reconfiguration state.
func (s ReconfigurationState) String() string {
	switch s {
	case ReconfigurationStateIdle:
		return "IDLE"
	case ReconfigurationStatePending:
		return "PENDING"
	case ReconfigurationStateCommitting:
		return "COMMITTING"
	case ReconfigurationStateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// EpochChange represents a pending or completed epoch change. Committees are
// replaced wholesale: the new snapshot carries its own epoch, starting round
// and member set.
type EpochChange struct {
	// FromEpoch is the epoch being left.
	FromEpoch uint64

	// ToEpoch is the epoch being entered.
	ToEpoch uint64

	// EffectiveRound is the DAG round at which the new committee takes
	// effect. All certificates at or after this round use the new snapshot.
	EffectiveRound uint64

	// Committee is the snapshot for the new epoch.
	Committee *Committee

	// ProposedAt is when this epoch change was proposed.
	ProposedAt time.Time

	// CommittedAt is when this epoch change was committed (zero if not yet).
	CommittedAt time.Time
}

// Reconfigurer manages committee reconfiguration and epoch transitions.
// It coordinates replacing one committee snapshot with the next, ensuring:
// 1. All validators agree on the epoch boundary before it takes effect
// 2. In-flight operations for the old epoch complete before switching
// 3. Registered components observe the swap exactly once
//
// Thread-safe for concurrent use.
type Reconfigurer struct {
	mu sync.RWMutex

	current *Committee

	pendingChange *EpochChange
	state         ReconfigurationState

	// Callbacks for components that need to observe the swap. The node's
	// ApplyCommittee is the usual subscriber.
	onEpochChange []func(EpochChange)

	history    []EpochChange
	maxHistory int
	logger     *zap.Logger
}

// NewReconfigurer creates a Reconfigurer starting from the given committee.
func NewReconfigurer(committee *Committee, logger *zap.Logger) (*Reconfigurer, error) {
	if committee == nil {
		return nil, fmt.Errorf("committee cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconfigurer{
		current:    committee,
		state:      ReconfigurationStateIdle,
		maxHistory: 10,
		logger:     logger.With(zap.String("component", "reconfigurer")),
	}, nil
}

// CurrentEpoch returns the current epoch.
func (r *Reconfigurer) CurrentEpoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Epoch()
}

// CurrentCommittee returns the active committee snapshot.
func (r *Reconfigurer) CurrentCommittee() *Committee {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// State returns the current reconfiguration state.
func (r *Reconfigurer) State() ReconfigurationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// PendingChange returns a copy of the pending epoch change, if any.
func (r *Reconfigurer) PendingChange() *EpochChange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pendingChange == nil {
		return nil
	}
	change := *r.pendingChange
	return &change
}

// OnEpochChange registers a callback to be invoked when an epoch change is
// committed. Callbacks run synchronously in registration order.
func (r *Reconfigurer) OnEpochChange(callback func(EpochChange)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEpochChange = append(r.onEpochChange, callback)
}

// ProposeEpochChange proposes the committee for the next epoch. The new
// snapshot's epoch must be exactly currentEpoch + 1 and its starting round is
// the effective round of the change.
//
// Returns an error if a reconfiguration is already in progress or the
// snapshot does not follow the current epoch.
func (r *Reconfigurer) ProposeEpochChange(next *Committee) error {
	if next == nil {
		return fmt.Errorf("committee cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != ReconfigurationStateIdle {
		return fmt.Errorf("reconfiguration already in progress (state: %s)", r.state)
	}

	if next.Epoch() != r.current.Epoch()+1 {
		return fmt.Errorf("invalid epoch transition: %d -> %d (expected %d)",
			r.current.Epoch(), next.Epoch(), r.current.Epoch()+1)
	}
	if next.StartingRound() <= r.current.StartingRound() {
		return fmt.Errorf("effective round %d does not follow epoch %d starting round %d",
			next.StartingRound(), r.current.Epoch(), r.current.StartingRound())
	}

	r.pendingChange = &EpochChange{
		FromEpoch:      r.current.Epoch(),
		ToEpoch:        next.Epoch(),
		EffectiveRound: next.StartingRound(),
		Committee:      next,
		ProposedAt:     time.Now(),
	}
	r.state = ReconfigurationStatePending

	r.logger.Info("epoch change proposed",
		zap.Uint64("from_epoch", r.pendingChange.FromEpoch),
		zap.Uint64("to_epoch", r.pendingChange.ToEpoch),
		zap.Uint64("effective_round", r.pendingChange.EffectiveRound),
		zap.Int("members", next.Size()))

	return nil
}

// BeginCommit transitions from PENDING to COMMITTING. Call when the epoch
// boundary round has been reached and the change is quorum-confirmed.
func (r *Reconfigurer) BeginCommit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != ReconfigurationStatePending {
		return fmt.Errorf("cannot begin commit: not in pending state (state: %s)", r.state)
	}

	r.state = ReconfigurationStateCommitting
	r.logger.Info("beginning epoch change commit",
		zap.Uint64("to_epoch", r.pendingChange.ToEpoch))

	return nil
}

// CompleteCommit finalizes the epoch change and installs the new committee.
// Call after in-flight operations for the old epoch have drained.
func (r *Reconfigurer) CompleteCommit() error {
	r.mu.Lock()

	if r.state != ReconfigurationStateCommitting {
		r.mu.Unlock()
		return fmt.Errorf("cannot complete commit: not in committing state (state: %s)", r.state)
	}

	change := *r.pendingChange
	change.CommittedAt = time.Now()

	r.current = change.Committee

	r.history = append(r.history, change)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}

	r.pendingChange = nil
	r.state = ReconfigurationStateComplete

	r.logger.Info("epoch change committed",
		zap.Uint64("new_epoch", r.current.Epoch()),
		zap.Duration("duration", change.CommittedAt.Sub(change.ProposedAt)))

	callbacks := make([]func(EpochChange), len(r.onEpochChange))
	copy(callbacks, r.onEpochChange)
	r.mu.Unlock()

	for _, cb := range callbacks {
		cb(change)
	}

	r.mu.Lock()
	r.state = ReconfigurationStateIdle
	r.mu.Unlock()

	return nil
}

// CancelPendingChange cancels a pending epoch change, e.g. when the
// confirmation vote fails.
func (r *Reconfigurer) CancelPendingChange() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != ReconfigurationStatePending {
		return fmt.Errorf("cannot cancel: not in pending state (state: %s)", r.state)
	}

	r.logger.Warn("epoch change cancelled",
		zap.Uint64("to_epoch", r.pendingChange.ToEpoch))

	r.pendingChange = nil
	r.state = ReconfigurationStateIdle

	return nil
}

// ShouldAcceptForEpoch reports whether a message from the given epoch should
// be accepted: the current epoch always, the incoming epoch only while the
// swap is being applied.
func (r *Reconfigurer) ShouldAcceptForEpoch(epoch uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if epoch == r.current.Epoch() {
		return true
	}
	if r.pendingChange != nil && epoch == r.pendingChange.ToEpoch {
		return r.state == ReconfigurationStateCommitting
	}
	return false
}

// IsEpochBoundaryRound returns true if the given round is the effective
// round of a pending epoch change.
func (r *Reconfigurer) IsEpochBoundaryRound(round uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.pendingChange == nil {
		return false
	}
	return round == r.pendingChange.EffectiveRound
}

// History returns the recent committed epoch changes, oldest first.
func (r *Reconfigurer) History() []EpochChange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := make([]EpochChange, len(r.history))
	copy(history, r.history)
	return history
}

// ReconfigurationStats contains statistics for monitoring.
type ReconfigurationStats struct {
	CurrentEpoch     uint64
	State            ReconfigurationState
	HasPendingChange bool
	PendingToEpoch   uint64
	HistoryCount     int
	CommitteeSize    int
	CallbackCount    int
}

// Stats returns current statistics.
func (r *Reconfigurer) Stats() ReconfigurationStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := ReconfigurationStats{
		CurrentEpoch:     r.current.Epoch(),
		State:            r.state,
		HasPendingChange: r.pendingChange != nil,
		HistoryCount:     len(r.history),
		CommitteeSize:    r.current.Size(),
		CallbackCount:    len(r.onEpochChange),
	}
	if r.pendingChange != nil {
		stats.PendingToEpoch = r.pendingChange.ToEpoch
	}
	return stats
}

// EpochChangeProposal is a proposal to install a new committee, circulated
// for confirmation before the Reconfigurer applies it.
type EpochChangeProposal struct {
	// Epoch is the epoch the new committee serves (currentEpoch + 1).
	Epoch uint64

	// EffectiveRound is the round at which the change takes effect.
	EffectiveRound uint64

	// Members is the new committee's ordered member set.
	Members []CommitteeMember

	// Proposer is the validator who proposed this change.
	Proposer uint16

	// Signature is the proposer's signature over the proposal.
	Signature []byte

	// ProposedAt is when this proposal was created.
	ProposedAt time.Time
}

// EpochChangeVote is one validator's vote on an epoch change proposal.
type EpochChangeVote struct {
	// ProposalHash identifies the proposal being voted on.
	ProposalHash []byte

	// Voter is the validator casting this vote.
	Voter uint16

	// Approve indicates approval or rejection.
	Approve bool

	// Signature is the voter's signature over the vote.
	Signature []byte
}

// EpochChangeCoordinator tallies stake-weighted votes on an epoch change
// proposal. A proposal passes once approving stake reaches the committee's
// quorum threshold; it fails once rejecting stake reaches the availability
// threshold, which guarantees at least one honest rejection and makes quorum
// unreachable.
type EpochChangeCoordinator[H Hash] struct {
	mu sync.Mutex

	reconfigurer *Reconfigurer
	hashFunc     func([]byte) H

	currentProposal *EpochChangeProposal
	votes           map[uint16]*EpochChangeVote
	approvalStake   uint64
	rejectionStake  uint64

	logger *zap.Logger
}

// NewEpochChangeCoordinator creates a coordinator on top of a Reconfigurer.
func NewEpochChangeCoordinator[H Hash](
	reconfigurer *Reconfigurer,
	hashFunc func([]byte) H,
	logger *zap.Logger,
) *EpochChangeCoordinator[H] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EpochChangeCoordinator[H]{
		reconfigurer: reconfigurer,
		hashFunc:     hashFunc,
		votes:        make(map[uint16]*EpochChangeVote),
		logger:       logger.With(zap.String("component", "epoch_coordinator")),
	}
}

// Propose starts the vote on a new proposal. Returns an error if a proposal
// is already in progress or the epoch does not follow the current one.
func (ec *EpochChangeCoordinator[H]) Propose(proposal *EpochChangeProposal) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.currentProposal != nil {
		return fmt.Errorf("proposal already in progress")
	}

	expected := ec.reconfigurer.CurrentEpoch() + 1
	if proposal.Epoch != expected {
		return fmt.Errorf("invalid proposal epoch %d (expected %d)", proposal.Epoch, expected)
	}

	ec.currentProposal = proposal
	ec.votes = make(map[uint16]*EpochChangeVote)
	ec.approvalStake = 0
	ec.rejectionStake = 0

	ec.logger.Info("epoch change proposal initiated",
		zap.Uint64("epoch", proposal.Epoch),
		zap.Uint64("effective_round", proposal.EffectiveRound),
		zap.Int("members", len(proposal.Members)))

	return nil
}

// AddVote records a vote for the current proposal, weighted by the voter's
// stake in the current committee. Duplicate votes are rejected.
func (ec *EpochChangeCoordinator[H]) AddVote(vote *EpochChangeVote) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.currentProposal == nil {
		return fmt.Errorf("no proposal in progress")
	}
	if _, exists := ec.votes[vote.Voter]; exists {
		return fmt.Errorf("duplicate vote from validator %d", vote.Voter)
	}

	committee := ec.reconfigurer.CurrentCommittee()
	stake := committee.Stake(vote.Voter)
	if stake == 0 {
		return fmt.Errorf("vote from validator %d outside committee", vote.Voter)
	}

	ec.votes[vote.Voter] = vote
	if vote.Approve {
		ec.approvalStake += stake
	} else {
		ec.rejectionStake += stake
	}

	ec.logger.Debug("epoch change vote received",
		zap.Uint16("voter", vote.Voter),
		zap.Bool("approve", vote.Approve),
		zap.Uint64("approval_stake", ec.approvalStake),
		zap.Uint64("rejection_stake", ec.rejectionStake))

	return nil
}

// QuorumReached reports whether approving stake has reached the quorum
// threshold.
func (ec *EpochChangeCoordinator[H]) QuorumReached() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.currentProposal == nil {
		return false
	}
	committee := ec.reconfigurer.CurrentCommittee()
	return ec.approvalStake >= committee.QuorumThreshold()
}

// Rejected reports whether rejecting stake has made quorum unreachable.
func (ec *EpochChangeCoordinator[H]) Rejected() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.currentProposal == nil {
		return false
	}
	committee := ec.reconfigurer.CurrentCommittee()
	return ec.rejectionStake >= committee.AvailabilityThreshold()
}

// CurrentProposal returns a copy of the proposal being voted on, if any.
func (ec *EpochChangeCoordinator[H]) CurrentProposal() *EpochChangeProposal {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.currentProposal == nil {
		return nil
	}
	proposal := *ec.currentProposal
	return &proposal
}

// VoteStake returns the stake tallied so far.
func (ec *EpochChangeCoordinator[H]) VoteStake() (approvals, rejections uint64, total int) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.approvalStake, ec.rejectionStake, len(ec.votes)
}

// Clear resets the coordinator for the next proposal.
func (ec *EpochChangeCoordinator[H]) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.currentProposal = nil
	ec.votes = make(map[uint16]*EpochChangeVote)
	ec.approvalStake = 0
	ec.rejectionStake = 0
}
