package bullshark_test

import (
	"testing"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommittee_Validation(t *testing.T) {
	_, err := bullshark.NewCommittee(0, 0, nil)
	assert.Error(t, err, "empty member set")

	signer := testutil.NewTestSigner()
	_, err = bullshark.NewCommittee(0, 0, []bullshark.CommitteeMember{
		{PublicKey: signer.PublicKey(), Stake: 0},
	})
	assert.Error(t, err, "zero stake")

	oversized := make([]bullshark.CommitteeMember, bullshark.MaxCommitteeSize+1)
	for i := range oversized {
		oversized[i] = bullshark.CommitteeMember{
			PublicKey: testutil.NewTestSigner().PublicKey(),
			Stake:     1,
		}
	}
	_, err = bullshark.NewCommittee(0, 0, oversized)
	assert.Error(t, err, "oversized committee")
}

func TestCommittee_Thresholds(t *testing.T) {
	tests := []struct {
		stakes       []uint64
		quorum       uint64
		availability uint64
	}{
		{[]uint64{1, 1, 1, 1}, 3, 2},
		{[]uint64{1, 1, 1, 1, 1, 1, 1}, 5, 3},
		{[]uint64{10, 10, 10, 10}, 27, 14},
		{[]uint64{50, 30, 20}, 67, 34},
		{[]uint64{1}, 1, 1},
	}

	for _, tt := range tests {
		committee, _ := testutil.NewWeightedTestCommittee(tt.stakes...)
		assert.Equal(t, tt.quorum, committee.QuorumThreshold(), "stakes %v", tt.stakes)
		assert.Equal(t, tt.availability, committee.AvailabilityThreshold(), "stakes %v", tt.stakes)
	}
}

func TestCommittee_Accessors(t *testing.T) {
	committee, signers := testutil.NewWeightedTestCommittee(5, 3, 2)

	assert.Equal(t, 3, committee.Size())
	assert.Equal(t, uint64(10), committee.TotalStake())
	assert.Equal(t, uint64(5), committee.Stake(0))
	assert.Equal(t, uint64(0), committee.Stake(3), "out of range stake is zero")
	assert.True(t, committee.Contains(2))
	assert.False(t, committee.Contains(3))

	key, err := committee.Key(1)
	require.NoError(t, err)
	assert.True(t, key.Equals(signers[1].PublicKey()))

	_, err = committee.Key(3)
	assert.Error(t, err)

	index, ok := committee.IndexOf(signers[2].PublicKey())
	require.True(t, ok)
	assert.Equal(t, uint16(2), index)

	_, ok = committee.IndexOf(testutil.NewTestSigner().PublicKey())
	assert.False(t, ok)
}

func TestCommittee_IDChangesWithMembership(t *testing.T) {
	a, _ := testutil.NewTestCommittee(4)
	b, _ := testutil.NewTestCommittee(4)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, a.ID(), a.ID())
}

func TestCommittee_BitmapStake(t *testing.T) {
	committee, _ := testutil.NewWeightedTestCommittee(5, 3, 2, 1)

	var bitmap bullshark.SignerBitmap
	assert.Equal(t, uint64(0), committee.BitmapStake(bitmap))

	bitmap.Set(0)
	bitmap.Set(2)
	assert.Equal(t, uint64(7), committee.BitmapStake(bitmap))

	// Bits outside the committee contribute nothing.
	bitmap.Set(100)
	assert.Equal(t, uint64(7), committee.BitmapStake(bitmap))
}

func TestSignerBitmap(t *testing.T) {
	var bitmap bullshark.SignerBitmap
	assert.True(t, bitmap.IsEmpty())

	bitmap.Set(0)
	bitmap.Set(63)
	bitmap.Set(64)
	bitmap.Set(199)

	assert.True(t, bitmap.Has(0))
	assert.True(t, bitmap.Has(63))
	assert.True(t, bitmap.Has(64))
	assert.True(t, bitmap.Has(199))
	assert.False(t, bitmap.Has(1))
	assert.Equal(t, 4, bitmap.Count())
	assert.False(t, bitmap.IsEmpty())

	decoded, err := bullshark.SignerBitmapFromBytes(bitmap.Bytes())
	require.NoError(t, err)
	assert.Equal(t, bitmap, decoded)
}
