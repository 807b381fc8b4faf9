package bullshark

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// MaxCommitteeSize is the maximum number of members in a committee.
const MaxCommitteeSize = 200

// CommitteeMember is one validator's identity and stake weight.
type CommitteeMember struct {
	PublicKey PublicKey
	Stake     uint64
}

// Committee is the ordered, stake-weighted set of validators empowered to
// sign certificates for an epoch. It is immutable once constructed; epoch
// changes replace the snapshot wholesale. Member indices are positions in
// the ordered set and appear in headers, certificates and signer bitmaps.
type Committee struct {
	epoch         uint64
	startingRound uint64
	members       []CommitteeMember
	totalStake    uint64
	id            [32]byte
}

// NewCommittee creates a committee snapshot for the given epoch, effective
// from startingRound. Members must be non-empty, within MaxCommitteeSize,
// and each must carry nonzero stake.
func NewCommittee(epoch, startingRound uint64, members []CommitteeMember) (*Committee, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("committee has no members")
	}
	if len(members) > MaxCommitteeSize {
		return nil, fmt.Errorf("committee too large: %d members (max: %d)", len(members), MaxCommitteeSize)
	}

	var totalStake uint64
	for i, m := range members {
		if m.PublicKey == nil {
			return nil, fmt.Errorf("member %d has no public key", i)
		}
		if m.Stake == 0 {
			return nil, fmt.Errorf("member %d has zero stake", i)
		}
		totalStake += m.Stake
	}

	snapshot := make([]CommitteeMember, len(members))
	copy(snapshot, members)

	c := &Committee{
		epoch:         epoch,
		startingRound: startingRound,
		members:       snapshot,
		totalStake:    totalStake,
	}
	c.id = c.computeID()
	return c, nil
}

// computeID hashes the canonical encoding of the committee.
// Format: [Epoch:8][StartingRound:8][MemberCount:2]([KeyLen:2][Key][Stake:8])...
func (c *Committee) computeID() [32]byte {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.epoch)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], c.startingRound)
	h.Write(buf[:])
	binary.BigEndian.PutUint16(buf[:2], uint16(len(c.members)))
	h.Write(buf[:2])

	for _, m := range c.members {
		key := m.PublicKey.Bytes()
		binary.BigEndian.PutUint16(buf[:2], uint16(len(key)))
		h.Write(buf[:2])
		h.Write(key)
		binary.BigEndian.PutUint64(buf[:], m.Stake)
		h.Write(buf[:])
	}

	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

// ID returns the committee's content-derived identifier.
func (c *Committee) ID() [32]byte {
	return c.id
}

// Epoch returns the consensus epoch this committee serves.
func (c *Committee) Epoch() uint64 {
	return c.epoch
}

// StartingRound returns the first round this committee is in effect.
func (c *Committee) StartingRound() uint64 {
	return c.startingRound
}

// Size returns the number of members.
func (c *Committee) Size() int {
	return len(c.members)
}

// TotalStake returns the sum of all member stakes.
func (c *Committee) TotalStake() uint64 {
	return c.totalStake
}

// Contains returns true if index identifies a member.
func (c *Committee) Contains(index uint16) bool {
	return int(index) < len(c.members)
}

// Key returns the public key of the member at index.
func (c *Committee) Key(index uint16) (PublicKey, error) {
	if !c.Contains(index) {
		return nil, fmt.Errorf("member index %d out of range (size: %d)", index, len(c.members))
	}
	return c.members[index].PublicKey, nil
}

// Stake returns the stake of the member at index, or zero if out of range.
func (c *Committee) Stake(index uint16) uint64 {
	if !c.Contains(index) {
		return 0
	}
	return c.members[index].Stake
}

// IndexOf returns the index of the member with the given public key.
func (c *Committee) IndexOf(pubKey PublicKey) (uint16, bool) {
	for i, m := range c.members {
		if m.PublicKey.Equals(pubKey) {
			return uint16(i), true
		}
	}
	return 0, false
}

// Members returns a copy of the ordered member set.
func (c *Committee) Members() []CommitteeMember {
	members := make([]CommitteeMember, len(c.members))
	copy(members, c.members)
	return members
}

// QuorumThreshold returns the minimum combined stake that constitutes a
// quorum (more than two thirds of the total).
func (c *Committee) QuorumThreshold() uint64 {
	return 2*c.totalStake/3 + 1
}

// AvailabilityThreshold returns the minimum combined stake guaranteed to
// include one honest member (at least one third of the total).
func (c *Committee) AvailabilityThreshold() uint64 {
	return (c.totalStake + 2) / 3
}

// BitmapStake returns the combined stake of the members set in the bitmap.
// Bits beyond the committee size contribute nothing.
func (c *Committee) BitmapStake(bitmap SignerBitmap) uint64 {
	var stake uint64
	for i := range c.members {
		if bitmap.Has(uint16(i)) {
			stake += c.members[i].Stake
		}
	}
	return stake
}
