package bullshark_test

import (
	"fmt"
	"testing"

	"github.com/edgedlt/bullshark"
	"github.com/edgedlt/bullshark/internal/testutil"
	"github.com/stretchr/testify/assert"
)

func TestAssignToWorker_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := testutil.ComputeHash([]byte(fmt.Sprintf("tm-%d", i)))
		first := bullshark.AssignToWorker(id, 4)
		for j := 0; j < 5; j++ {
			assert.Equal(t, first, bullshark.AssignToWorker(id, 4))
		}
		assert.Less(t, first, uint8(4))
	}
}

func TestAssignToWorker_ZeroWorkers(t *testing.T) {
	id := testutil.ComputeHash([]byte("tm"))
	assert.Equal(t, uint8(0), bullshark.AssignToWorker(id, 0))
}

func TestAssignToWorker_SingleWorker(t *testing.T) {
	for i := 0; i < 20; i++ {
		id := testutil.ComputeHash([]byte{byte(i)})
		assert.Equal(t, uint8(0), bullshark.AssignToWorker(id, 1))
	}
}

func TestAssignToWorker_SpreadsAcrossShards(t *testing.T) {
	counts := make(map[uint8]int)
	for i := 0; i < 1000; i++ {
		id := testutil.ComputeHash([]byte(fmt.Sprintf("tm-%d", i)))
		counts[bullshark.AssignToWorker(id, 8)]++
	}

	// Every shard should see a reasonable share of 1000 uniform IDs.
	assert.Len(t, counts, 8)
	for shard, n := range counts {
		assert.Greater(t, n, 50, "shard %d underloaded", shard)
	}
}
