package bullshark

import (
	"sync"
)

// Default per-class capacities for the seen cache.
const (
	DefaultSeenCertificates  = 1 << 14
	DefaultSeenTransmissions = 1 << 16
	DefaultSeenBatches       = 1 << 12
	DefaultSeenSolutions     = 1 << 14
	DefaultSeenBlocks        = 1 << 10
)

// seenRing is a fixed-capacity FIFO set. Insertion when full evicts the
// oldest entry, so a key may be treated as unseen again after wraparound.
// Dedup here is a performance aid, not a correctness mechanism: the DAG
// insertion path is idempotent and re-checks real invariants.
type seenRing[K comparable] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]struct{}
	ring     []K
	next     int
	full     bool

	// Stats
	hits      uint64
	misses    uint64
	evictions uint64
}

// newSeenRing creates a ring with the given capacity.
// Capacity must be at least 1.
func newSeenRing[K comparable](capacity int) *seenRing[K] {
	if capacity < 1 {
		capacity = 1
	}
	return &seenRing[K]{
		capacity: capacity,
		items:    make(map[K]struct{}, capacity),
		ring:     make([]K, capacity),
	}
}

// insertSeen records the key and returns true if it was already present.
// The first call for a key returns false; subsequent calls return true
// until the entry is evicted by wraparound. Never blocks.
func (r *seenRing[K]) insertSeen(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[key]; ok {
		r.hits++
		return true
	}
	r.misses++

	if r.full {
		oldest := r.ring[r.next]
		delete(r.items, oldest)
		r.evictions++
	}

	r.ring[r.next] = key
	r.items[key] = struct{}{}
	r.next++
	if r.next == r.capacity {
		r.next = 0
		r.full = true
	}

	return false
}

// contains checks presence without recording the key.
func (r *seenRing[K]) contains(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[key]
	return ok
}

// len returns the number of keys currently held.
func (r *seenRing[K]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// clear removes all keys.
func (r *seenRing[K]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[K]struct{}, r.capacity)
	r.ring = make([]K, r.capacity)
	r.next = 0
	r.full = false
}

// stats returns a snapshot of the ring's counters.
func (r *seenRing[K]) stats() SeenRingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SeenRingStats{
		Size:      len(r.items),
		Capacity:  r.capacity,
		Hits:      r.hits,
		Misses:    r.misses,
		Evictions: r.evictions,
	}
}

// SeenRingStats contains counters for one ID class.
type SeenRingStats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// CacheConfig sets per-class capacities for the seen cache.
type CacheConfig struct {
	Certificates  int
	Transmissions int
	Batches       int
	Solutions     int
	Blocks        int
}

// DefaultCacheConfig returns the default per-class capacities.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Certificates:  DefaultSeenCertificates,
		Transmissions: DefaultSeenTransmissions,
		Batches:       DefaultSeenBatches,
		Solutions:     DefaultSeenSolutions,
		Blocks:        DefaultSeenBlocks,
	}
}

// Cache answers "have I seen this ID before" with bounded memory, one FIFO
// ring per ID class. False positives are impossible; false negatives occur
// only after eviction. Safe for concurrent use; never blocks.
type Cache[H Hash] struct {
	certificates  *seenRing[string]
	transmissions *seenRing[string]
	batches       *seenRing[string]
	solutions     *seenRing[string]
	blocks        *seenRing[string]
}

// NewCache creates a Cache with the given per-class capacities.
func NewCache[H Hash](cfg CacheConfig) *Cache[H] {
	return &Cache[H]{
		certificates:  newSeenRing[string](cfg.Certificates),
		transmissions: newSeenRing[string](cfg.Transmissions),
		batches:       newSeenRing[string](cfg.Batches),
		solutions:     newSeenRing[string](cfg.Solutions),
		blocks:        newSeenRing[string](cfg.Blocks),
	}
}

// Keys use full hash bytes: String() may be truncated for display.

// InsertSeenCertificate records a certificate ID, returning true if seen.
func (c *Cache[H]) InsertSeenCertificate(id H) bool {
	return c.certificates.insertSeen(string(id.Bytes()))
}

// InsertSeenTransmission records a transmission ID, returning true if seen.
func (c *Cache[H]) InsertSeenTransmission(id H) bool {
	return c.transmissions.insertSeen(string(id.Bytes()))
}

// InsertSeenBatch records a batch digest, returning true if seen.
func (c *Cache[H]) InsertSeenBatch(id H) bool {
	return c.batches.insertSeen(string(id.Bytes()))
}

// InsertSeenSolution records a solution ID, returning true if seen.
func (c *Cache[H]) InsertSeenSolution(id H) bool {
	return c.solutions.insertSeen(string(id.Bytes()))
}

// InsertSeenBlock records a block hash, returning true if seen.
func (c *Cache[H]) InsertSeenBlock(id H) bool {
	return c.blocks.insertSeen(string(id.Bytes()))
}

// ContainsCertificate checks a certificate ID without recording it.
func (c *Cache[H]) ContainsCertificate(id H) bool {
	return c.certificates.contains(string(id.Bytes()))
}

// ContainsTransmission checks a transmission ID without recording it.
func (c *Cache[H]) ContainsTransmission(id H) bool {
	return c.transmissions.contains(string(id.Bytes()))
}

// Clear empties all rings.
func (c *Cache[H]) Clear() {
	c.certificates.clear()
	c.transmissions.clear()
	c.batches.clear()
	c.solutions.clear()
	c.blocks.clear()
}

// CacheStats contains per-class counters.
type CacheStats struct {
	Certificates  SeenRingStats
	Transmissions SeenRingStats
	Batches       SeenRingStats
	Solutions     SeenRingStats
	Blocks        SeenRingStats
}

// Stats returns a snapshot of all ring counters.
func (c *Cache[H]) Stats() CacheStats {
	return CacheStats{
		Certificates:  c.certificates.stats(),
		Transmissions: c.transmissions.stats(),
		Batches:       c.batches.stats(),
		Solutions:     c.solutions.stats(),
		Blocks:        c.blocks.stats(),
	}
}
