package bullshark

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// MaxWorkers is the maximum number of worker shards per validator.
const MaxWorkers = 16

// AssignToWorker deterministically maps a transmission ID to a worker shard.
// It double-hashes the ID's canonical byte encoding and reduces the result
// modulo numWorkers. The function is pure: no randomness, no time
// dependency, identical on every validator. Disagreement on shard ownership
// would let validators request data from workers that do not hold it.
func AssignToWorker[H Hash](id H, numWorkers uint8) uint8 {
	if numWorkers == 0 {
		return 0
	}

	first := murmur3.Sum64(id.Bytes())

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], first)
	second := murmur3.Sum64(buf[:])

	return uint8(second % uint64(numWorkers))
}
