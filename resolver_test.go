package bullshark_test

import (
	"testing"

	"github.com/edgedlt/bullshark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolver_ResolveAndIndexOf(t *testing.T) {
	r := bullshark.NewResolver(map[uint16]string{
		0: "10.0.0.1:9000",
		2: "10.0.0.3:9000",
	}, zap.NewNop())

	assert.Equal(t, 2, r.Len())

	addr, err := r.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", addr)

	index, ok := r.IndexOf("10.0.0.3:9000")
	require.True(t, ok)
	assert.Equal(t, uint16(2), index)

	_, err = r.Resolve(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, bullshark.ErrNotFound)

	_, ok = r.IndexOf("10.0.0.9:9000")
	assert.False(t, ok)
}

func TestResolver_RegisterReplacesReverseMapping(t *testing.T) {
	r := bullshark.NewResolver(map[uint16]string{0: "10.0.0.1:9000"}, zap.NewNop())

	r.Register(0, "10.0.0.5:9000")

	addr, err := r.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:9000", addr)

	// The old address no longer maps back to the validator.
	_, ok := r.IndexOf("10.0.0.1:9000")
	assert.False(t, ok)

	index, ok := r.IndexOf("10.0.0.5:9000")
	require.True(t, ok)
	assert.Equal(t, uint16(0), index)
}

func TestResolver_Deregister(t *testing.T) {
	r := bullshark.NewResolver(map[uint16]string{
		0: "10.0.0.1:9000",
		1: "10.0.0.2:9000",
	}, zap.NewNop())

	r.Deregister(0)
	assert.Equal(t, 1, r.Len())

	_, err := r.Resolve(0)
	assert.ErrorIs(t, err, bullshark.ErrNotFound)
	_, ok := r.IndexOf("10.0.0.1:9000")
	assert.False(t, ok)

	// Deregistering an unknown index is a no-op.
	r.Deregister(7)
	assert.Equal(t, 1, r.Len())
}

func TestResolver_AddressesReturnsCopy(t *testing.T) {
	r := bullshark.NewResolver(map[uint16]string{0: "10.0.0.1:9000"}, zap.NewNop())

	book := r.Addresses()
	book[0] = "mutated"
	book[9] = "extra"

	addr, err := r.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", addr)
	assert.Equal(t, 1, r.Len())
}
