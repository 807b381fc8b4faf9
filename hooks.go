package bullshark

import "time"

// Hooks provides optional callbacks for observability events.
// All hooks are invoked synchronously - keep implementations fast.
type Hooks[H Hash] struct {
	// Worker events

	// OnTransmissionReceived is called when a transmission is accepted by a worker.
	OnTransmissionReceived func(TransmissionReceivedEvent[H])

	// OnBatchCreated is called when a worker seals a new transmission batch.
	OnBatchCreated func(BatchCreatedEvent[H])

	// OnBatchReceived is called when a worker receives a batch from its peer
	// worker on another validator.
	OnBatchReceived func(BatchReceivedEvent[H])

	// Primary events

	// OnHeaderCreated is called when the primary proposes a new batch header.
	OnHeaderCreated func(HeaderCreatedEvent[H])

	// OnHeaderReceived is called when the primary receives a proposal from another validator.
	OnHeaderReceived func(HeaderReceivedEvent[H])

	// OnSignatureReceived is called when the primary collects a signature share
	// for its own proposal.
	OnSignatureReceived func(SignatureReceivedEvent[H])

	// OnSignatureSent is called when the primary signs another validator's proposal.
	OnSignatureSent func(SignatureSentEvent[H])

	// OnCertificateFormed is called when the primary assembles a certificate
	// (collected quorum stake).
	OnCertificateFormed func(CertificateFormedEvent[H])

	// OnCertificateReceived is called when a certificate arrives from another validator.
	OnCertificateReceived func(CertificateReceivedEvent[H])

	// OnProposalTimeout is called when a proposal times out short of quorum stake.
	OnProposalTimeout func(ProposalTimeoutEvent[H])

	// DAG events

	// OnCertificateInserted is called when a certificate is accepted into the DAG.
	OnCertificateInserted func(CertificateInsertedEvent[H])

	// OnRoundAdvanced is called when the DAG advances to a new round.
	OnRoundAdvanced func(RoundAdvancedEvent)

	// OnEquivocationDetected is called when equivocation is detected.
	// Note: This is in addition to the DAG's OnEquivocation callback,
	// which provides the full evidence for slashing.
	OnEquivocationDetected func(EquivocationDetectedEvent[H])

	// OnCertificateDeferred is called when a certificate is parked waiting for
	// missing previous-round certificates.
	OnCertificateDeferred func(CertificateDeferredEvent[H])

	// Fetch events

	// OnFetchStarted is called when a missing-data fetch begins.
	OnFetchStarted func(FetchStartedEvent[H])

	// OnFetchCompleted is called when a missing-data fetch resolves (success or expiry).
	OnFetchCompleted func(FetchCompletedEvent[H])

	// Commit events

	// OnCommit is called when the commit engine orders a sub-DAG under an anchor.
	OnCommit func(CommitEvent[H])

	// GC events

	// OnGarbageCollected is called when garbage collection runs.
	OnGarbageCollected func(GarbageCollectedEvent)
}

// Clone returns a shallow copy of the hooks.
func (h *Hooks[H]) Clone() *Hooks[H] {
	if h == nil {
		return nil
	}
	clone := *h
	return &clone
}

// TransmissionReceivedEvent contains information about an accepted transmission.
type TransmissionReceivedEvent[H Hash] struct {
	TransmissionID H
	Worker         uint8
	SizeBytes      int
	ReceivedAt     time.Time
}

// BatchCreatedEvent contains information about a newly sealed batch.
type BatchCreatedEvent[H Hash] struct {
	Digest            H
	Worker            uint8
	Sequence          uint64
	TransmissionCount int
	SizeBytes         int
	CreatedAt         time.Time
}

// BatchReceivedEvent contains information about a batch received from a peer worker.
type BatchReceivedEvent[H Hash] struct {
	Digest            H
	Worker            uint8
	From              uint16
	TransmissionCount int
	ReceivedAt        time.Time
}

// HeaderCreatedEvent contains information about a newly proposed header.
type HeaderCreatedEvent[H Hash] struct {
	Header            *BatchHeader[H]
	TransmissionCount int
	PreviousCount     int
	CreatedAt         time.Time
}

// HeaderReceivedEvent contains information about a received proposal.
type HeaderReceivedEvent[H Hash] struct {
	Header     *BatchHeader[H]
	From       uint16
	ReceivedAt time.Time
}

// SignatureReceivedEvent contains information about a collected signature share.
type SignatureReceivedEvent[H Hash] struct {
	CertificateID  H
	Signer         uint16
	StakeCollected uint64 // Stake gathered for this proposal so far
	QuorumStake    uint64
	ReceivedAt     time.Time
}

// SignatureSentEvent contains information about a signature we produced for
// another validator's proposal.
type SignatureSentEvent[H Hash] struct {
	CertificateID H
	Author        uint16
	SentAt        time.Time
}

// CertificateFormedEvent contains information about a newly formed certificate.
type CertificateFormedEvent[H Hash] struct {
	Certificate *BatchCertificate[H]
	SignerCount int
	Stake       uint64        // Combined stake of the signers
	Latency     time.Duration // Time from proposal to certificate formation
	FormedAt    time.Time
}

// CertificateReceivedEvent contains information about a received certificate.
type CertificateReceivedEvent[H Hash] struct {
	Certificate *BatchCertificate[H]
	From        uint16
	ReceivedAt  time.Time
}

// ProposalTimeoutEvent contains information about a proposal that timed out.
type ProposalTimeoutEvent[H Hash] struct {
	CertificateID  H
	Round          uint64
	StakeCollected uint64
	QuorumStake    uint64
	TimeoutAt      time.Time
}

// CertificateInsertedEvent contains information about a certificate accepted
// into the DAG.
type CertificateInsertedEvent[H Hash] struct {
	Certificate   *BatchCertificate[H]
	Round         uint64
	Author        uint16
	PreviousCount int
	TotalInRound  int // Total certificates in this round after insertion
	InsertedAt    time.Time
}

// RoundAdvancedEvent contains information about a round advancement.
type RoundAdvancedEvent struct {
	OldRound            uint64
	NewRound            uint64
	CertificatesInRound int // Number of certificates that triggered advancement
	AdvancedAt          time.Time
}

// EquivocationDetectedEvent contains information about detected equivocation.
type EquivocationDetectedEvent[H Hash] struct {
	Author     uint16
	Round      uint64
	FirstID    H
	SecondID   H
	DetectedAt time.Time
}

// CertificateDeferredEvent contains information about a certificate parked on
// missing previous links.
type CertificateDeferredEvent[H Hash] struct {
	Certificate *BatchCertificate[H]
	Missing     []H
	DeferredAt  time.Time
}

// FetchStartedEvent contains information about a fetch operation starting.
type FetchStartedEvent[H Hash] struct {
	Kind      PendingKind
	ID        H
	Peers     []uint16
	StartedAt time.Time
}

// FetchCompletedEvent contains information about a completed fetch operation.
type FetchCompletedEvent[H Hash] struct {
	Kind        PendingKind
	ID          H
	Success     bool
	Attempts    int
	Latency     time.Duration
	CompletedAt time.Time
}

// CommitEvent contains information about an ordered sub-DAG.
type CommitEvent[H Hash] struct {
	AnchorID     H
	AnchorRound  uint64
	Certificates int
	Transmission int // Deduplicated transmissions in the emission
	Frontier     uint64
	CommittedAt  time.Time
}

// GarbageCollectedEvent contains information about a GC cycle.
type GarbageCollectedEvent struct {
	BeforeRound uint64
	Removed     int // Certificates removed
	CollectedAt time.Time
}
