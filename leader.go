package bullshark

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
)

// NetworkModel specifies the network timing assumptions for the protocol.
// This affects how the primary decides when to advance rounds.
type NetworkModel uint8

const (
	// NetworkModelAsynchronous assumes no timing bounds on message delivery.
	// The primary advances as soon as it has quorum-stake previous
	// certificates. Optimal throughput, potentially higher commit latency.
	NetworkModelAsynchronous NetworkModel = iota

	// NetworkModelPartiallySynchronous assumes eventual synchrony.
	// The primary may wait briefly for the leader certificate before
	// advancing, improving commit latency by keeping anchors in the DAG.
	NetworkModelPartiallySynchronous
)

// String returns a human-readable name for the network model.
func (m NetworkModel) String() string {
	switch m {
	case NetworkModelAsynchronous:
		return "asynchronous"
	case NetworkModelPartiallySynchronous:
		return "partially_synchronous"
	default:
		return "unknown"
	}
}

// LeaderSchedule determines which committee member anchors a given round.
type LeaderSchedule interface {
	// Leader returns the committee index of the leader for the given round.
	// This must be deterministic - all validators must agree on the leader.
	Leader(round uint64) uint16

	// IsLeader returns true if the given member is the leader for the round.
	IsLeader(round uint64, index uint16) bool
}

// StakeWeightedLeaderSchedule selects leaders pseudorandomly in proportion
// to stake, seeded by the committee ID and the round number. The choice is
// a pure function of (committee snapshot, round).
type StakeWeightedLeaderSchedule struct {
	committee *Committee
}

// NewStakeWeightedLeaderSchedule creates a schedule over the given committee.
func NewStakeWeightedLeaderSchedule(committee *Committee) *StakeWeightedLeaderSchedule {
	return &StakeWeightedLeaderSchedule{committee: committee}
}

// Leader returns the leader for the given round.
func (s *StakeWeightedLeaderSchedule) Leader(round uint64) uint16 {
	id := s.committee.ID()

	seed := make([]byte, len(id)+8)
	copy(seed, id[:])
	binary.BigEndian.PutUint64(seed[len(id):], round)
	digest := sha256.Sum256(seed)

	// Pick a point on the stake line and walk members until it is covered.
	point := binary.BigEndian.Uint64(digest[:8]) % s.committee.TotalStake()

	var cumulative uint64
	for i := 0; i < s.committee.Size(); i++ {
		cumulative += s.committee.Stake(uint16(i))
		if point < cumulative {
			return uint16(i)
		}
	}
	// Unreachable: point < totalStake and stakes sum to totalStake.
	return uint16(s.committee.Size() - 1)
}

// IsLeader returns true if the member is the leader for the round.
func (s *StakeWeightedLeaderSchedule) IsLeader(round uint64, index uint16) bool {
	return s.Leader(round) == index
}

// RoundRobinLeaderSchedule rotates leadership through member indices,
// ignoring stake. Useful for tests that need a predictable anchor.
type RoundRobinLeaderSchedule struct {
	memberCount int
}

// NewRoundRobinLeaderSchedule creates a new round-robin leader schedule.
func NewRoundRobinLeaderSchedule(memberCount int) *RoundRobinLeaderSchedule {
	return &RoundRobinLeaderSchedule{
		memberCount: memberCount,
	}
}

// Leader returns the leader for the given round.
func (s *RoundRobinLeaderSchedule) Leader(round uint64) uint16 {
	return uint16(round % uint64(s.memberCount))
}

// IsLeader returns true if the member is the leader for the round.
func (s *RoundRobinLeaderSchedule) IsLeader(round uint64, index uint16) bool {
	return s.Leader(round) == index
}

// LeaderTracker records leader certificates as they arrive, for the primary's
// partially synchronous round-advance decision and for commit diagnostics.
type LeaderTracker[H Hash] struct {
	mu sync.RWMutex

	schedule LeaderSchedule

	// leaders tracks the leader certificate seen for each round
	leaders map[uint64]*BatchCertificate[H]

	currentRound uint64
}

// NewLeaderTracker creates a new LeaderTracker.
func NewLeaderTracker[H Hash](schedule LeaderSchedule) *LeaderTracker[H] {
	return &LeaderTracker[H]{
		schedule: schedule,
		leaders:  make(map[uint64]*BatchCertificate[H]),
	}
}

// SetRound updates the current round.
func (lt *LeaderTracker[H]) SetRound(round uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.currentRound = round
}

// RecordCertificate records a certificate and returns true if it is from
// its round's leader.
func (lt *LeaderTracker[H]) RecordCertificate(cert *BatchCertificate[H]) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	round := cert.Round()
	isLeader := lt.schedule.IsLeader(round, cert.Author())

	if isLeader {
		lt.leaders[round] = cert
	}

	return isLeader
}

// LeaderForRound returns the leader certificate for a round, if known.
func (lt *LeaderTracker[H]) LeaderForRound(round uint64) *BatchCertificate[H] {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.leaders[round]
}

// HasLeaderForRound returns true if the leader's certificate is known.
func (lt *LeaderTracker[H]) HasLeaderForRound(round uint64) bool {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.leaders[round] != nil
}

// LeaderSupport summarizes how much stake in a set of previous certificates
// links back to the leader.
type LeaderSupport struct {
	// StakeForLeader is the stake of certificates referencing the leader.
	StakeForLeader uint64

	// StakeWithoutLeader is the stake of certificates not referencing it.
	StakeWithoutLeader uint64

	// ReachedAvailability is true when StakeForLeader covers the
	// availability threshold, guaranteeing one honest referencer.
	ReachedAvailability bool

	// ReachedQuorumWithout is true when StakeWithoutLeader covers the
	// quorum threshold, proving the leader cannot gather quorum support.
	ReachedQuorumWithout bool
}

// CheckLeaderSupport analyzes previous certificates to determine how much
// stake links to the leader certificate of their round. Used by the primary
// in partially synchronous mode to decide whether waiting longer for the
// leader can still pay off.
func (lt *LeaderTracker[H]) CheckLeaderSupport(
	certs []*BatchCertificate[H],
	leaderID *H,
	committee *Committee,
) LeaderSupport {
	var support LeaderSupport

	if leaderID == nil {
		for _, cert := range certs {
			support.StakeWithoutLeader += committee.Stake(cert.Author())
		}
		support.ReachedQuorumWithout = support.StakeWithoutLeader >= committee.QuorumThreshold()
		return support
	}

	for _, cert := range certs {
		linked := false
		for _, prev := range cert.Header.PreviousCertificateIDs {
			if prev.Equals(*leaderID) {
				linked = true
				break
			}
		}

		if linked {
			support.StakeForLeader += committee.Stake(cert.Author())
		} else {
			support.StakeWithoutLeader += committee.Stake(cert.Author())
		}
	}

	support.ReachedAvailability = support.StakeForLeader >= committee.AvailabilityThreshold()
	support.ReachedQuorumWithout = support.StakeWithoutLeader >= committee.QuorumThreshold()

	return support
}

// GarbageCollect removes leader records for old rounds.
func (lt *LeaderTracker[H]) GarbageCollect(beforeRound uint64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	for round := range lt.leaders {
		if round < beforeRound {
			delete(lt.leaders, round)
		}
	}
}

// Clear removes all leader records.
func (lt *LeaderTracker[H]) Clear() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.leaders = make(map[uint64]*BatchCertificate[H])
	lt.currentRound = 0
}
