package bullshark

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config holds the configuration for a validator Node.
// Use NewConfig with functional options to create a properly configured instance.
//
// The type parameters specify the hash and transmission types used.
type Config[H Hash, T Transmission[H]] struct {
	// Identity

	// Validator is this validator's index in the committee.
	Validator uint16

	// Committee is the stake-weighted validator set for the current epoch.
	// Required.
	Committee *Committee

	// Signer provides cryptographic signing capability.
	// Required.
	Signer Signer

	// Store provides persistence for the working DAG window.
	// Required.
	Store Store[H, T]

	// Transport provides message delivery between validators.
	// Required.
	Transport Transport[H, T]

	// Ledger receives committed sub-DAGs. When nil the node still orders
	// certificates and advances the commit frontier, but emits nowhere.
	Ledger LedgerService[H, T]

	// Timer drives the round-progress watchdog. When no round advance is
	// observed within RoundTimeout, the node gossips its locators and
	// re-requests missing ancestry.
	// Required.
	Timer Timer

	// Logger for structured logging.
	// Defaults to a no-op logger if not provided.
	Logger *zap.Logger

	// Schedule determines the anchor validator for each round.
	// Default: stake-weighted schedule derived from the committee.
	Schedule LeaderSchedule

	// NetworkModel specifies the network timing assumptions. Asynchronous
	// mode proposes as soon as quorum-stake previous certificates exist.
	// Partially synchronous mode waits briefly for anchor certificates
	// before proposing, trading proposal latency for commit latency.
	// Default: NetworkModelAsynchronous
	NetworkModel NetworkModel

	// Worker configuration

	// NumWorkers is the number of worker shards for transmission ingestion.
	// Must be between 1 and MaxWorkers.
	// Default: 4
	NumWorkers uint8

	// BatchSize is the maximum number of transmissions per batch.
	// When this threshold is reached, a batch is sealed immediately.
	// Default: 500
	BatchSize int

	// BatchTimeout is the maximum time to wait before sealing a batch.
	// Even if BatchSize is not reached, a batch is sealed after this duration.
	// Default: 100ms
	BatchTimeout time.Duration

	// Primary configuration

	// ProposalInterval is the interval between header proposal attempts.
	// Default: 500ms
	ProposalInterval time.Duration

	// MaxProposalDelay is the maximum time to hold sealed batches before
	// proposing a header anyway.
	// Default: ProposalInterval (uses ProposalInterval value if 0)
	MaxProposalDelay time.Duration

	// MaxProposalRetries is the number of times an unsigned proposal is
	// rebroadcast before giving up on the round.
	// Default: 3
	MaxProposalRetries int

	// ProposalRetryInterval is the delay between proposal rebroadcasts.
	// Default: 1s
	ProposalRetryInterval time.Duration

	// MaxHeaderTransmissions is the maximum number of transmission IDs to
	// include in a single header.
	// Default: 1000
	MaxHeaderTransmissions int

	// Commit engine configuration

	// CommitScanInterval is how often the commit engine re-scans for anchor
	// support when no new certificates have arrived.
	// Default: 100ms
	CommitScanInterval time.Duration

	// Synchronization configuration

	// PingInterval is how often DAG-height locators are gossiped to peers.
	// Default: 5s
	PingInterval time.Duration

	// SweepInterval is how often pending fetch requests are checked for retry.
	// Default: 500ms
	SweepInterval time.Duration

	// LocatorRounds is the number of recent rounds summarized in each ping.
	// Default: 3
	LocatorRounds int

	// RoundTimeout is how long the node waits without a round advance before
	// the watchdog fires.
	// Default: 10s
	RoundTimeout time.Duration

	// FetchMissing enables proactive fetching of missing parent certificates
	// and transmission payloads when proposals are deferred.
	// Default: true
	FetchMissing bool

	// Garbage collection configuration

	// GCInterval is the number of rounds between garbage collection runs.
	// Default: 50
	GCInterval uint64

	// GCDepth is the number of rounds to retain behind the commit frontier.
	// Default: 100
	GCDepth uint64

	// GCCheckInterval is how often the collector checks whether to run.
	// Default: 10s
	GCCheckInterval time.Duration

	// Backpressure configuration

	// MaxPendingTransmissions is the maximum number of transmissions queued
	// per worker. When this limit is reached, ingestion blocks or drops
	// based on DropOnFull.
	// Default: 10000
	MaxPendingTransmissions int

	// MaxPendingBatches is the maximum number of sealed batches queued in
	// the primary.
	// Default: 1000
	MaxPendingBatches int

	// DropOnFull determines behavior when queues are full.
	// If true, new items are dropped. If false, ingestion blocks.
	// Default: false (block)
	DropOnFull bool

	// Component sub-configurations

	// Waiter configures the deferred-proposal queue.
	// Default: DefaultProposalWaiterConfig()
	Waiter ProposalWaiterConfig

	// Pending configures fetch request bookkeeping and retry.
	// Default: DefaultPendingConfig()
	Pending PendingConfig

	// Validation is the configuration for input validation.
	// Controls limits for DoS prevention (max transmissions, max sizes, etc.)
	// Default: DefaultValidationConfig()
	Validation ValidationConfig

	// Cache configures the seen-message dedup cache.
	// Default: DefaultCacheConfig()
	Cache CacheConfig

	// Cryptography

	// CryptoProvider provides optimized cryptographic operations.
	// When set, certificate validation uses batch/parallel signature
	// verification. For BLS, this enables true batch verification.
	// Default: nil (uses standard sequential verification)
	CryptoProvider CryptoProvider

	// SignatureCache caches verified signatures to avoid re-verification.
	// Only used when CryptoProvider is set.
	// Default: nil (no caching)
	SignatureCache *SignatureCache

	// Observability

	// Hooks provides callbacks for observability events.
	// All hooks are optional, nil hooks are ignored.
	Hooks *Hooks[H]

	// RecoverHooks wraps every hook with panic recovery so a faulty
	// observer cannot take down a consensus goroutine.
	// Default: false
	RecoverHooks bool
}

// ConfigOption is a functional option for configuring a Node.
// Options are applied in order, so later options override earlier ones.
type ConfigOption[H Hash, T Transmission[H]] func(*Config[H, T]) error

// NewConfig creates a new Config with the given options.
// Required options: WithCommittee, WithSigner, WithStore, WithTransport, WithTimer.
//
// Returns an error if any option fails or if required options are missing.
func NewConfig[H Hash, T Transmission[H]](opts ...ConfigOption[H, T]) (*Config[H, T], error) {
	cfg := &Config[H, T]{
		Logger:                  zap.NewNop(),
		NumWorkers:              4,
		BatchSize:               500,
		BatchTimeout:            100 * time.Millisecond,
		ProposalInterval:        500 * time.Millisecond,
		MaxProposalDelay:        0, // Will use ProposalInterval if 0
		MaxProposalRetries:      3,
		ProposalRetryInterval:   time.Second,
		MaxHeaderTransmissions:  DefaultMaxHeaderTransmissions,
		CommitScanInterval:      100 * time.Millisecond,
		PingInterval:            5 * time.Second,
		SweepInterval:           500 * time.Millisecond,
		LocatorRounds:           3,
		RoundTimeout:            10 * time.Second,
		FetchMissing:            true,
		GCInterval:              50,
		GCDepth:                 100,
		GCCheckInterval:         10 * time.Second,
		MaxPendingTransmissions: 10000,
		MaxPendingBatches:       1000,
		DropOnFull:              false,
		Waiter:                  DefaultProposalWaiterConfig(),
		Pending:                 DefaultPendingConfig(),
		Validation:              DefaultValidationConfig(),
		Cache:                   DefaultCacheConfig(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate checks that all required fields are set and values are valid.
func (c *Config[H, T]) validate() error {
	if c.Committee == nil {
		return fmt.Errorf("committee is required")
	}
	if c.Signer == nil {
		return fmt.Errorf("signer is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Transport == nil {
		return fmt.Errorf("transport is required")
	}
	if c.Timer == nil {
		return fmt.Errorf("timer is required")
	}
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}

	// Validate Validator is within the committee
	if !c.Committee.Contains(c.Validator) {
		return fmt.Errorf("validator %d is not in committee (size: %d)", c.Validator, c.Committee.Size())
	}

	// Validate numeric ranges
	if c.NumWorkers < 1 || c.NumWorkers > MaxWorkers {
		return fmt.Errorf("worker count must be between 1 and %d, got %d", MaxWorkers, c.NumWorkers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch timeout must be positive, got %v", c.BatchTimeout)
	}
	if c.ProposalInterval <= 0 {
		return fmt.Errorf("proposal interval must be positive, got %v", c.ProposalInterval)
	}
	if c.CommitScanInterval <= 0 {
		return fmt.Errorf("commit scan interval must be positive, got %v", c.CommitScanInterval)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %v", c.PingInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	if c.RoundTimeout <= 0 {
		return fmt.Errorf("round timeout must be positive, got %v", c.RoundTimeout)
	}
	if c.LocatorRounds < 1 {
		return fmt.Errorf("locator rounds must be at least 1, got %d", c.LocatorRounds)
	}
	if c.GCInterval == 0 {
		return fmt.Errorf("GC interval must be positive")
	}
	if c.GCDepth == 0 {
		return fmt.Errorf("GC depth must be positive")
	}
	if c.Validation.MaxRoundSkip == 0 {
		return fmt.Errorf("max round skip must be positive")
	}

	return nil
}

// ConfigWarning represents a warning about potentially suboptimal configuration.
type ConfigWarning struct {
	// Field is the name of the config field that triggered the warning.
	Field string
	// Message describes the potential issue.
	Message string
	// Suggestion provides a recommended action or value.
	Suggestion string
}

// String returns a human-readable warning message.
func (w ConfigWarning) String() string {
	return fmt.Sprintf("%s: %s (suggestion: %s)", w.Field, w.Message, w.Suggestion)
}

// Warnings returns warnings for suboptimal configuration choices.
func (c *Config[H, T]) Warnings() []ConfigWarning {
	var warnings []ConfigWarning

	// Check committee size vs fault tolerance
	n := c.Committee.Size()
	total := c.Committee.TotalStake()

	if n < 4 {
		warnings = append(warnings, ConfigWarning{
			Field:      "Committee",
			Message:    fmt.Sprintf("only %d validators cannot tolerate any failures (need n >= 4 for f >= 1)", n),
			Suggestion: "use at least 4 validators for fault tolerance",
		})
	}

	// Check stake concentration: a single member holding a third of the
	// stake can unilaterally halt quorum formation.
	for i, m := range c.Committee.Members() {
		if m.Stake*3 >= total {
			warnings = append(warnings, ConfigWarning{
				Field:      "Committee",
				Message:    fmt.Sprintf("validator %d holds %d of %d total stake, enough to block quorum", i, m.Stake, total),
				Suggestion: "distribute stake so no single validator controls a third",
			})
		}
	}

	// Batch size warnings
	if c.BatchSize < 10 {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchSize",
			Message:    fmt.Sprintf("batch size %d is very small, increasing header overhead", c.BatchSize),
			Suggestion: "use BatchSize >= 100 for production workloads",
		})
	}
	if c.BatchSize > 10000 {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchSize",
			Message:    fmt.Sprintf("batch size %d is very large, may cause latency spikes", c.BatchSize),
			Suggestion: "use BatchSize <= 5000 for consistent latency",
		})
	}

	// Batch timeout warnings
	if c.BatchTimeout < 10*time.Millisecond {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchTimeout",
			Message:    fmt.Sprintf("batch timeout %v is very short, may create many small batches", c.BatchTimeout),
			Suggestion: "use BatchTimeout >= 50ms to reduce overhead",
		})
	}
	if c.BatchTimeout > 5*time.Second {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchTimeout",
			Message:    fmt.Sprintf("batch timeout %v is very long, may cause high latency", c.BatchTimeout),
			Suggestion: "use BatchTimeout <= 1s for responsive transmission processing",
		})
	}

	// Proposal interval warnings
	if c.ProposalInterval < 50*time.Millisecond {
		warnings = append(warnings, ConfigWarning{
			Field:      "ProposalInterval",
			Message:    fmt.Sprintf("proposal interval %v is very short, may not allow signature collection", c.ProposalInterval),
			Suggestion: "use ProposalInterval >= 100ms to allow quorum formation",
		})
	}
	if c.ProposalInterval > 10*time.Second {
		warnings = append(warnings, ConfigWarning{
			Field:      "ProposalInterval",
			Message:    fmt.Sprintf("proposal interval %v is very long, may cause slow round progression", c.ProposalInterval),
			Suggestion: "use ProposalInterval <= 2s for reasonable throughput",
		})
	}

	// Proposal interval vs batch timeout relationship
	if c.BatchTimeout > c.ProposalInterval {
		warnings = append(warnings, ConfigWarning{
			Field:      "BatchTimeout/ProposalInterval",
			Message:    fmt.Sprintf("batch timeout (%v) > proposal interval (%v), batches may not be included in headers", c.BatchTimeout, c.ProposalInterval),
			Suggestion: "set BatchTimeout < ProposalInterval for timely batch inclusion",
		})
	}

	// Watchdog vs proposal cadence
	if c.RoundTimeout < 2*c.ProposalInterval {
		warnings = append(warnings, ConfigWarning{
			Field:      "RoundTimeout",
			Message:    fmt.Sprintf("round timeout (%v) is close to the proposal interval (%v); the watchdog may fire during normal operation", c.RoundTimeout, c.ProposalInterval),
			Suggestion: "set RoundTimeout >= 4 * ProposalInterval",
		})
	}

	// GC configuration
	if c.GCDepth < 10 {
		warnings = append(warnings, ConfigWarning{
			Field:      "GCDepth",
			Message:    fmt.Sprintf("GC depth %d is very small, may delete data needed for sync", c.GCDepth),
			Suggestion: "use GCDepth >= 20 to allow time for lagging nodes to catch up",
		})
	}
	if c.GCDepth > 1000 {
		warnings = append(warnings, ConfigWarning{
			Field:      "GCDepth",
			Message:    fmt.Sprintf("GC depth %d retains significant data, increasing memory/storage usage", c.GCDepth),
			Suggestion: "use GCDepth <= 100 unless consensus requires deep history",
		})
	}
	if c.GCInterval > c.GCDepth {
		warnings = append(warnings, ConfigWarning{
			Field:      "GCInterval/GCDepth",
			Message:    fmt.Sprintf("GC runs every %d rounds but retains only %d rounds; GC may not free memory", c.GCInterval, c.GCDepth),
			Suggestion: "set GCInterval <= GCDepth for effective cleanup",
		})
	}

	// Backpressure configuration
	if c.MaxPendingTransmissions < 100 {
		warnings = append(warnings, ConfigWarning{
			Field:      "MaxPendingTransmissions",
			Message:    fmt.Sprintf("max pending transmissions %d is very small, may cause frequent blocking/drops", c.MaxPendingTransmissions),
			Suggestion: "use MaxPendingTransmissions >= 1000 for smoother operation",
		})
	}
	if c.MaxPendingBatches < 10 {
		warnings = append(warnings, ConfigWarning{
			Field:      "MaxPendingBatches",
			Message:    fmt.Sprintf("max pending batches %d is very small, may cause worker stalls", c.MaxPendingBatches),
			Suggestion: "use MaxPendingBatches >= 100 for consistent throughput",
		})
	}

	// Crypto provider recommendations for large committees
	if n > 20 && c.CryptoProvider == nil {
		warnings = append(warnings, ConfigWarning{
			Field:      "CryptoProvider",
			Message:    fmt.Sprintf("no crypto provider with %d validators; signature verification may be slow", n),
			Suggestion: "use WithCryptoProvider for parallel/batch signature verification",
		})
	}

	// Signature cache recommendation when crypto provider is set
	if c.CryptoProvider != nil && c.SignatureCache == nil {
		warnings = append(warnings, ConfigWarning{
			Field:      "SignatureCache",
			Message:    "CryptoProvider set but no SignatureCache; duplicate verifications not cached",
			Suggestion: "use WithSignatureCache for better performance",
		})
	}

	// MaxRoundSkip vs network latency
	if c.Validation.MaxRoundSkip < 3 {
		warnings = append(warnings, ConfigWarning{
			Field:      "Validation.MaxRoundSkip",
			Message:    fmt.Sprintf("max round skip %d is very small, may reject valid headers during network delays", c.Validation.MaxRoundSkip),
			Suggestion: "use MaxRoundSkip >= 5 to tolerate network jitter",
		})
	}

	// Waiter configuration
	if c.Waiter.MaxAge < 2*c.Pending.RetryInterval {
		warnings = append(warnings, ConfigWarning{
			Field:      "Waiter.MaxAge",
			Message:    fmt.Sprintf("deferred proposal max age (%v) < twice the fetch retry interval (%v); proposals may be dropped before fetches complete", c.Waiter.MaxAge, c.Pending.RetryInterval),
			Suggestion: "set Waiter.MaxAge >= Pending.RetryInterval * 2",
		})
	}

	// Worker count vs CPU
	if c.NumWorkers > 8 {
		warnings = append(warnings, ConfigWarning{
			Field:      "NumWorkers",
			Message:    fmt.Sprintf("worker count %d is very high; diminishing returns beyond CPU core count", c.NumWorkers),
			Suggestion: "set NumWorkers to approximate CPU core count",
		})
	}

	return warnings
}

// LogWarnings logs all configuration warnings.
func (c *Config[H, T]) LogWarnings() {
	for _, w := range c.Warnings() {
		c.Logger.Warn("suboptimal configuration",
			zap.String("field", w.Field),
			zap.String("message", w.Message),
			zap.String("suggestion", w.Suggestion))
	}
}

// Identity and collaborator options

// WithValidator sets this validator's committee index.
func WithValidator[H Hash, T Transmission[H]](index uint16) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.Validator = index
		return nil
	}
}

// WithCommittee sets the committee.
// Required.
func WithCommittee[H Hash, T Transmission[H]](committee *Committee) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if committee == nil {
			return fmt.Errorf("committee cannot be nil")
		}
		c.Committee = committee
		return nil
	}
}

// WithSigner sets the signer.
// Required.
func WithSigner[H Hash, T Transmission[H]](signer Signer) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if signer == nil {
			return fmt.Errorf("signer cannot be nil")
		}
		c.Signer = signer
		return nil
	}
}

// WithStore sets the persistence backend.
// Required.
func WithStore[H Hash, T Transmission[H]](store Store[H, T]) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		c.Store = store
		return nil
	}
}

// WithTransport sets the message transport.
// Required.
func WithTransport[H Hash, T Transmission[H]](transport Transport[H, T]) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if transport == nil {
			return fmt.Errorf("transport cannot be nil")
		}
		c.Transport = transport
		return nil
	}
}

// WithLedger sets the ledger service that receives committed sub-DAGs.
func WithLedger[H Hash, T Transmission[H]](ledger LedgerService[H, T]) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.Ledger = ledger
		return nil
	}
}

// WithTimer sets the round-progress watchdog timer.
// Required.
func WithTimer[H Hash, T Transmission[H]](timer Timer) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if timer == nil {
			return fmt.Errorf("timer cannot be nil")
		}
		c.Timer = timer
		return nil
	}
}

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger[H Hash, T Transmission[H]](logger *zap.Logger) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil (omit this option for no-op logging)")
		}
		c.Logger = logger
		return nil
	}
}

// WithLeaderSchedule sets the anchor schedule.
// If not set, a stake-weighted schedule is derived from the committee.
func WithLeaderSchedule[H Hash, T Transmission[H]](schedule LeaderSchedule) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.Schedule = schedule
		return nil
	}
}

// WithNetworkModel sets the network timing assumptions.
// Use NetworkModelAsynchronous (default) for maximum proposal throughput, or
// NetworkModelPartiallySynchronous to hold proposals briefly for anchor
// certificates, which keeps anchors committable and lowers commit latency.
func WithNetworkModel[H Hash, T Transmission[H]](model NetworkModel) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.NetworkModel = model
		return nil
	}
}

// Worker options

// WithNumWorkers sets the number of worker shards.
func WithNumWorkers[H Hash, T Transmission[H]](count uint8) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if count < 1 || count > MaxWorkers {
			return fmt.Errorf("worker count must be between 1 and %d, got %d", MaxWorkers, count)
		}
		c.NumWorkers = count
		return nil
	}
}

// WithBatchSize sets the maximum transmissions per batch.
func WithBatchSize[H Hash, T Transmission[H]](size int) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if size < 1 {
			return fmt.Errorf("batch size must be at least 1, got %d", size)
		}
		c.BatchSize = size
		return nil
	}
}

// WithBatchTimeout sets the maximum time before sealing a batch.
func WithBatchTimeout[H Hash, T Transmission[H]](timeout time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if timeout <= 0 {
			return fmt.Errorf("batch timeout must be positive, got %v", timeout)
		}
		c.BatchTimeout = timeout
		return nil
	}
}

// Primary options

// WithProposalInterval sets the interval between proposal attempts.
func WithProposalInterval[H Hash, T Transmission[H]](interval time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if interval <= 0 {
			return fmt.Errorf("proposal interval must be positive, got %v", interval)
		}
		c.ProposalInterval = interval
		return nil
	}
}

// WithMaxProposalDelay sets the maximum time to hold sealed batches before
// proposing.
func WithMaxProposalDelay[H Hash, T Transmission[H]](delay time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if delay < 0 {
			return fmt.Errorf("max proposal delay cannot be negative, got %v", delay)
		}
		c.MaxProposalDelay = delay
		return nil
	}
}

// WithMaxProposalRetries sets the number of proposal rebroadcasts.
func WithMaxProposalRetries[H Hash, T Transmission[H]](retries int) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if retries < 0 {
			return fmt.Errorf("max proposal retries cannot be negative, got %d", retries)
		}
		c.MaxProposalRetries = retries
		return nil
	}
}

// WithProposalRetryInterval sets the delay between proposal rebroadcasts.
func WithProposalRetryInterval[H Hash, T Transmission[H]](interval time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if interval <= 0 {
			return fmt.Errorf("proposal retry interval must be positive, got %v", interval)
		}
		c.ProposalRetryInterval = interval
		return nil
	}
}

// WithMaxHeaderTransmissions sets the maximum transmission IDs per header.
func WithMaxHeaderTransmissions[H Hash, T Transmission[H]](max int) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if max < 1 {
			return fmt.Errorf("max header transmissions must be at least 1, got %d", max)
		}
		c.MaxHeaderTransmissions = max
		return nil
	}
}

// Commit options

// WithCommitScanInterval sets the commit engine re-scan interval.
func WithCommitScanInterval[H Hash, T Transmission[H]](interval time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if interval <= 0 {
			return fmt.Errorf("commit scan interval must be positive, got %v", interval)
		}
		c.CommitScanInterval = interval
		return nil
	}
}

// Synchronization options

// WithPingInterval sets the locator gossip interval.
func WithPingInterval[H Hash, T Transmission[H]](interval time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if interval <= 0 {
			return fmt.Errorf("ping interval must be positive, got %v", interval)
		}
		c.PingInterval = interval
		return nil
	}
}

// WithSweepInterval sets the pending-request retry check interval.
func WithSweepInterval[H Hash, T Transmission[H]](interval time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if interval <= 0 {
			return fmt.Errorf("sweep interval must be positive, got %v", interval)
		}
		c.SweepInterval = interval
		return nil
	}
}

// WithLocatorRounds sets how many recent rounds each ping summarizes.
func WithLocatorRounds[H Hash, T Transmission[H]](rounds int) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if rounds < 1 {
			return fmt.Errorf("locator rounds must be at least 1, got %d", rounds)
		}
		c.LocatorRounds = rounds
		return nil
	}
}

// WithRoundTimeout sets the round-progress watchdog duration.
func WithRoundTimeout[H Hash, T Transmission[H]](timeout time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if timeout <= 0 {
			return fmt.Errorf("round timeout must be positive, got %v", timeout)
		}
		c.RoundTimeout = timeout
		return nil
	}
}

// WithFetchMissing enables or disables proactive fetching of missing data.
func WithFetchMissing[H Hash, T Transmission[H]](fetch bool) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.FetchMissing = fetch
		return nil
	}
}

// Garbage collection options

// WithGCInterval sets the number of rounds between GC runs.
func WithGCInterval[H Hash, T Transmission[H]](interval uint64) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if interval == 0 {
			return fmt.Errorf("GC interval must be positive")
		}
		c.GCInterval = interval
		return nil
	}
}

// WithGCDepth sets the number of rounds retained behind the commit frontier.
func WithGCDepth[H Hash, T Transmission[H]](depth uint64) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if depth == 0 {
			return fmt.Errorf("GC depth must be positive")
		}
		c.GCDepth = depth
		return nil
	}
}

// WithGCCheckInterval sets how often the collector checks whether to run.
func WithGCCheckInterval[H Hash, T Transmission[H]](interval time.Duration) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if interval <= 0 {
			return fmt.Errorf("GC check interval must be positive, got %v", interval)
		}
		c.GCCheckInterval = interval
		return nil
	}
}

// Backpressure options

// WithMaxPendingTransmissions sets the per-worker ingestion queue bound.
func WithMaxPendingTransmissions[H Hash, T Transmission[H]](max int) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if max < 1 {
			return fmt.Errorf("max pending transmissions must be at least 1, got %d", max)
		}
		c.MaxPendingTransmissions = max
		return nil
	}
}

// WithMaxPendingBatches sets the primary's sealed-batch queue bound.
func WithMaxPendingBatches[H Hash, T Transmission[H]](max int) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		if max < 1 {
			return fmt.Errorf("max pending batches must be at least 1, got %d", max)
		}
		c.MaxPendingBatches = max
		return nil
	}
}

// WithDropOnFull sets the full-queue policy.
func WithDropOnFull[H Hash, T Transmission[H]](drop bool) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.DropOnFull = drop
		return nil
	}
}

// Sub-configuration options

// WithWaiterConfig sets the deferred-proposal queue configuration.
func WithWaiterConfig[H Hash, T Transmission[H]](cfg ProposalWaiterConfig) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.Waiter = cfg
		return nil
	}
}

// WithPendingConfig sets the fetch bookkeeping configuration.
func WithPendingConfig[H Hash, T Transmission[H]](cfg PendingConfig) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.Pending = cfg
		return nil
	}
}

// WithValidation sets the input validation configuration.
func WithValidation[H Hash, T Transmission[H]](cfg ValidationConfig) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.Validation = cfg
		return nil
	}
}

// WithCacheConfig sets the seen-message cache configuration.
func WithCacheConfig[H Hash, T Transmission[H]](cfg CacheConfig) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.Cache = cfg
		return nil
	}
}

// Cryptography options

// WithCryptoProvider sets the optimized crypto provider.
func WithCryptoProvider[H Hash, T Transmission[H]](crypto CryptoProvider) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.CryptoProvider = crypto
		return nil
	}
}

// WithSignatureCache sets the verified-signature cache.
func WithSignatureCache[H Hash, T Transmission[H]](cache *SignatureCache) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.SignatureCache = cache
		return nil
	}
}

// Observability options

// WithHooks sets the observability hooks.
func WithHooks[H Hash, T Transmission[H]](hooks *Hooks[H]) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.Hooks = hooks
		return nil
	}
}

// WithRecoverHooks wraps all hooks with panic recovery.
func WithRecoverHooks[H Hash, T Transmission[H]](recover bool) ConfigOption[H, T] {
	return func(c *Config[H, T]) error {
		c.RecoverHooks = recover
		return nil
	}
}

// Preset configurations for common use cases

// DefaultConfig returns a configuration suitable for most use cases.
// Balances throughput and latency for typical blockchain workloads.
//
// Settings:
//   - NumWorkers: 4
//   - BatchSize: 500
//   - BatchTimeout: 100ms
//   - ProposalInterval: 500ms
//   - CommitScanInterval: 100ms
//   - GCInterval: 100
func DefaultConfig[H Hash, T Transmission[H]]() Config[H, T] {
	return Config[H, T]{
		Logger:             zap.NewNop(),
		NumWorkers:         4,
		BatchSize:          500,
		BatchTimeout:       100 * time.Millisecond,
		ProposalInterval:   500 * time.Millisecond,
		CommitScanInterval: 100 * time.Millisecond,
		GCInterval:         100,
	}
}

// HighThroughputConfig returns a configuration optimized for maximum throughput.
// Uses more workers and larger batches, suitable for high-volume systems.
//
// Settings:
//   - NumWorkers: 8
//   - BatchSize: 1000
//   - BatchTimeout: 50ms
//   - ProposalInterval: 200ms
//   - CommitScanInterval: 50ms
//   - GCInterval: 50
func HighThroughputConfig[H Hash, T Transmission[H]]() Config[H, T] {
	return Config[H, T]{
		Logger:             zap.NewNop(),
		NumWorkers:         8,
		BatchSize:          1000,
		BatchTimeout:       50 * time.Millisecond,
		ProposalInterval:   200 * time.Millisecond,
		CommitScanInterval: 50 * time.Millisecond,
		GCInterval:         50,
	}
}

// LowLatencyConfig returns a configuration optimized for low commit latency.
// Uses smaller batches and shorter timeouts, suitable for interactive applications.
//
// Settings:
//   - NumWorkers: 2
//   - BatchSize: 100
//   - BatchTimeout: 20ms
//   - ProposalInterval: 100ms
//   - CommitScanInterval: 20ms
//   - GCInterval: 100
func LowLatencyConfig[H Hash, T Transmission[H]]() Config[H, T] {
	return Config[H, T]{
		Logger:             zap.NewNop(),
		NumWorkers:         2,
		BatchSize:          100,
		BatchTimeout:       20 * time.Millisecond,
		ProposalInterval:   100 * time.Millisecond,
		CommitScanInterval: 20 * time.Millisecond,
		GCInterval:         100,
	}
}

// DemoConfig returns a configuration suitable for demonstrations and testing.
// Uses visible timing to make the protocol easier to observe.
//
// Settings:
//   - NumWorkers: 2
//   - BatchSize: 10
//   - BatchTimeout: 1s
//   - ProposalInterval: 2s
//   - CommitScanInterval: 500ms
//   - GCInterval: 50
func DemoConfig[H Hash, T Transmission[H]]() Config[H, T] {
	return Config[H, T]{
		Logger:             zap.NewNop(),
		NumWorkers:         2,
		BatchSize:          10,
		BatchTimeout:       time.Second,
		ProposalInterval:   2 * time.Second,
		CommitScanInterval: 500 * time.Millisecond,
		GCInterval:         50,
	}
}
