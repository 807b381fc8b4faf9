package bullshark

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PendingKind identifies what a pending request is asking for.
type PendingKind uint8

const (
	PendingCertificate PendingKind = iota
	PendingTransmission
)

func (k PendingKind) String() string {
	switch k {
	case PendingCertificate:
		return "certificate"
	case PendingTransmission:
		return "transmission"
	default:
		return "unknown"
	}
}

// MaxRedundantRequests returns the fan-out bound for one request: how many
// additional peers may be contacted given how many already were. It is a
// pure function of the committee snapshot and the contacted count, so
// independent validators pick compatible fan-outs.
func MaxRedundantRequests(committee *Committee, alreadyContacted int) int {
	bound := committee.Size()/6 + 1
	remaining := bound - alreadyContacted
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PendingConfig configures retry and expiry behavior for pending requests.
type PendingConfig struct {
	// RetryInterval is how long an entry must be quiet before a sweep
	// contacts additional peers.
	RetryInterval time.Duration

	// MaxAge is the hard ceiling after which an entry is dropped whether or
	// not it resolved. Liveness degrades gracefully instead of leaking.
	MaxAge time.Duration

	// MaxEntries bounds the table; inserting past it evicts the oldest.
	MaxEntries int

	// RequestFanout is how many peers one attempt contacts. The cumulative
	// fan-out across attempts stays within MaxRedundantRequests.
	RequestFanout int
}

// DefaultPendingConfig returns sensible defaults.
func DefaultPendingConfig() PendingConfig {
	return PendingConfig{
		RetryInterval: 2 * time.Second,
		MaxAge:        30 * time.Second,
		MaxEntries:    4096,
		RequestFanout: 2,
	}
}

// pendingEntry tracks one in-flight request.
type pendingEntry[H Hash] struct {
	id               H
	kind             PendingKind
	requestedPeers   map[uint16]struct{}
	firstRequestedAt time.Time
	lastRequestedAt  time.Time
	attempts         int
}

// PendingRetry names an entry due for another attempt and the extra peers
// selected for it.
type PendingRetry[H Hash] struct {
	ID    H
	Kind  PendingKind
	Peers []uint16
}

// PendingExpiry names an entry dropped after exhausting its age budget.
type PendingExpiry[H Hash] struct {
	ID       H
	Kind     PendingKind
	Attempts int
	Age      time.Duration
}

// Pending tracks in-flight certificate and transmission fetches with bounded
// redundancy, retry and expiry. It only does bookkeeping and peer selection;
// the caller sends the actual requests and validates the responses. An
// invalid response must not resolve the entry, so the request stays
// outstanding for retry.
type Pending[H Hash] struct {
	mu sync.Mutex

	cfg       PendingConfig
	self      uint16
	committee *Committee
	entries   map[string]*pendingEntry[H]
	rng       *rand.Rand

	// peerUsable filters fetch targets by transport health. Nil admits all.
	peerUsable func(peer uint16) bool

	logger *zap.Logger

	// Stats
	totalRequests uint64
	totalRetries  uint64
	totalResolved uint64
	totalExpired  uint64
}

// NewPending creates a Pending tracker for the local validator index.
func NewPending[H Hash](cfg PendingConfig, self uint16, committee *Committee, logger *zap.Logger) *Pending[H] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultPendingConfig().MaxEntries
	}
	if cfg.RequestFanout <= 0 {
		cfg.RequestFanout = DefaultPendingConfig().RequestFanout
	}

	return &Pending[H]{
		cfg:       cfg,
		self:      self,
		committee: committee,
		entries:   make(map[string]*pendingEntry[H]),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:    logger.With(zap.String("component", "pending")),
	}
}

// SetCommittee swaps in a new committee snapshot on epoch change.
func (p *Pending[H]) SetCommittee(committee *Committee) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committee = committee
}

// Request registers interest in an ID and returns the peers to contact.
// If the entry already exists and is younger than the retry interval, the
// call is a no-op and returns nil. Otherwise peers are selected up to
// MaxRedundantRequests, excluding the local node and peers already asked.
func (p *Pending[H]) Request(id H, kind PendingKind) []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	key := string(id.Bytes())

	if entry, ok := p.entries[key]; ok {
		if now.Sub(entry.lastRequestedAt) < p.cfg.RetryInterval {
			return nil
		}
		peers := p.selectPeersLocked(entry.requestedPeers)
		if len(peers) == 0 {
			return nil
		}
		for _, peer := range peers {
			entry.requestedPeers[peer] = struct{}{}
		}
		entry.lastRequestedAt = now
		entry.attempts++
		p.totalRetries++
		return peers
	}

	if len(p.entries) >= p.cfg.MaxEntries {
		p.evictOldestLocked()
	}

	entry := &pendingEntry[H]{
		id:               id,
		kind:             kind,
		requestedPeers:   make(map[uint16]struct{}),
		firstRequestedAt: now,
		lastRequestedAt:  now,
		attempts:         1,
	}

	peers := p.selectPeersLocked(entry.requestedPeers)
	for _, peer := range peers {
		entry.requestedPeers[peer] = struct{}{}
	}

	p.entries[key] = entry
	p.totalRequests++

	p.logger.Debug("pending request created",
		zap.String("id", id.String()),
		zap.String("kind", kind.String()),
		zap.Int("peers", len(peers)))

	return peers
}

// SetPeerFilter installs a transport health filter for fetch-target
// selection. Peers the filter rejects are never asked for missing data.
func (p *Pending[H]) SetPeerFilter(usable func(peer uint16) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerUsable = usable
}

// Resolve removes the entry for an ID. Returns true if it existed. Called
// only after the response validated and was handed to the store or a worker.
func (p *Pending[H]) Resolve(id H) bool {
	_, _, ok := p.ResolveInfo(id)
	return ok
}

// ResolveInfo removes the entry for an ID and reports how the fetch went:
// the number of request rounds sent and the time since the first request.
// ok is false when nothing was outstanding for the ID.
func (p *Pending[H]) ResolveInfo(id H) (attempts int, latency time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := string(id.Bytes())
	entry, found := p.entries[key]
	if !found {
		return 0, 0, false
	}
	delete(p.entries, key)
	p.totalResolved++
	return entry.attempts, time.Since(entry.firstRequestedAt), true
}

// Contains returns true if the ID has an outstanding request.
func (p *Pending[H]) Contains(id H) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[string(id.Bytes())]
	return ok
}

// NumRequestedFor returns how many peers were contacted for an ID.
func (p *Pending[H]) NumRequestedFor(id H) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[string(id.Bytes())]
	if !ok {
		return 0
	}
	return len(entry.requestedPeers)
}

// Len returns the number of outstanding entries.
func (p *Pending[H]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Sweep expires entries past MaxAge and returns retries for entries quiet
// longer than the retry interval. The caller sends the returned requests
// and reports the expired fetches to its observers.
func (p *Pending[H]) Sweep(now time.Time) (retries []PendingRetry[H], expired []PendingExpiry[H]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.entries {
		if now.Sub(entry.firstRequestedAt) > p.cfg.MaxAge {
			delete(p.entries, key)
			p.totalExpired++
			p.logger.Debug("pending request expired",
				zap.String("id", entry.id.String()),
				zap.String("kind", entry.kind.String()),
				zap.Int("attempts", entry.attempts))
			expired = append(expired, PendingExpiry[H]{
				ID:       entry.id,
				Kind:     entry.kind,
				Attempts: entry.attempts,
				Age:      now.Sub(entry.firstRequestedAt),
			})
			continue
		}

		if now.Sub(entry.lastRequestedAt) < p.cfg.RetryInterval {
			continue
		}

		peers := p.selectPeersLocked(entry.requestedPeers)
		if len(peers) == 0 {
			continue
		}
		for _, peer := range peers {
			entry.requestedPeers[peer] = struct{}{}
		}
		entry.lastRequestedAt = now
		entry.attempts++
		p.totalRetries++

		retries = append(retries, PendingRetry[H]{
			ID:    entry.id,
			Kind:  entry.kind,
			Peers: peers,
		})
	}

	return retries, expired
}

// Clear removes all entries.
func (p *Pending[H]) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*pendingEntry[H])
}

// selectPeersLocked picks one attempt's worth of peers from committee members
// not yet contacted, in random order, within the remaining redundancy bound.
// Caller holds p.mu.
func (p *Pending[H]) selectPeersLocked(alreadyContacted map[uint16]struct{}) []uint16 {
	limit := MaxRedundantRequests(p.committee, len(alreadyContacted))
	if limit > p.cfg.RequestFanout {
		limit = p.cfg.RequestFanout
	}
	if limit <= 0 {
		return nil
	}

	candidates := make([]uint16, 0, p.committee.Size())
	for i := 0; i < p.committee.Size(); i++ {
		peer := uint16(i)
		if peer == p.self {
			continue
		}
		if _, asked := alreadyContacted[peer]; asked {
			continue
		}
		// An open-circuit peer is skipped rather than burned against the
		// fan-out budget; the breaker's half-open probe readmits it.
		if p.peerUsable != nil && !p.peerUsable(peer) {
			continue
		}
		candidates = append(candidates, peer)
	}

	p.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// evictOldestLocked drops the entry with the earliest first request.
// Caller holds p.mu.
func (p *Pending[H]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range p.entries {
		if oldestKey == "" || entry.firstRequestedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.firstRequestedAt
		}
	}
	if oldestKey != "" {
		delete(p.entries, oldestKey)
		p.totalExpired++
	}
}

// PendingStats contains counters for monitoring.
type PendingStats struct {
	Entries       int
	TotalRequests uint64
	TotalRetries  uint64
	TotalResolved uint64
	TotalExpired  uint64
}

// Stats returns current counters.
func (p *Pending[H]) Stats() PendingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PendingStats{
		Entries:       len(p.entries),
		TotalRequests: p.totalRequests,
		TotalRetries:  p.totalRetries,
		TotalResolved: p.totalResolved,
		TotalExpired:  p.totalExpired,
	}
}
