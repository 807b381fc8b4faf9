package bullshark

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Security limits to prevent resource exhaustion from malformed or hostile
// peers. These can be overridden via ValidationConfig.
const (
	// DefaultMaxHeaderTransmissions is the maximum number of transmission IDs
	// referenced by a single batch header.
	DefaultMaxHeaderTransmissions = 1000

	// DefaultMaxPrevious is the maximum number of previous certificate IDs in
	// a header. Bounded by the committee size in practice, but enforced for
	// safety.
	DefaultMaxPrevious = MaxCommitteeSize

	// DefaultMaxSignatures is the maximum number of signatures in a
	// certificate. Should not exceed the committee size.
	DefaultMaxSignatures = MaxCommitteeSize

	// DefaultMaxTransmissionsPerBatch is the maximum transmissions in a
	// single worker batch.
	DefaultMaxTransmissionsPerBatch = 10000

	// DefaultMaxTransmissionSize is the maximum size of a single transmission
	// in bytes.
	DefaultMaxTransmissionSize = 1024 * 1024 // 1 MB

	// DefaultMaxBatchSize is the maximum size of a worker batch in bytes.
	DefaultMaxBatchSize = 100 * 1024 * 1024 // 100 MB

	// DefaultMaxHeaderSize is the maximum size of a header in bytes.
	DefaultMaxHeaderSize = 1024 * 1024 // 1 MB

	// DefaultMaxCertificateSize is the maximum size of a certificate in bytes.
	DefaultMaxCertificateSize = 10 * 1024 * 1024 // 10 MB

	// DefaultMaxRoundSkip is the maximum rounds a header can be ahead of the
	// local DAG frontier.
	DefaultMaxRoundSkip = 100

	// DefaultMaxTimestampDrift is the maximum time a header timestamp can be
	// in the future.
	DefaultMaxTimestampDrift = 60 * time.Second
)

// ValidationConfig configures validation limits.
type ValidationConfig struct {
	// MaxHeaderTransmissions is the maximum transmission IDs per header.
	MaxHeaderTransmissions int

	// MaxPrevious is the maximum previous certificate IDs per header.
	MaxPrevious int

	// MaxSignatures is the maximum signatures per certificate.
	MaxSignatures int

	// MaxTransmissionsPerBatch is the maximum transmissions per worker batch.
	MaxTransmissionsPerBatch int

	// MaxTransmissionSize is the maximum size of a single transmission in bytes.
	MaxTransmissionSize int

	// MaxBatchSize is the maximum size of a worker batch in bytes.
	MaxBatchSize int

	// MaxHeaderSize is the maximum size of a header in bytes.
	MaxHeaderSize int

	// MaxCertificateSize is the maximum size of a certificate in bytes.
	MaxCertificateSize int

	// MaxRoundSkip is the maximum rounds a header can be ahead.
	MaxRoundSkip uint64

	// MaxTimestampDrift is the maximum time a header can be in the future.
	MaxTimestampDrift time.Duration
}

// DefaultValidationConfig returns a ValidationConfig with default limits.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxHeaderTransmissions:   DefaultMaxHeaderTransmissions,
		MaxPrevious:              DefaultMaxPrevious,
		MaxSignatures:            DefaultMaxSignatures,
		MaxTransmissionsPerBatch: DefaultMaxTransmissionsPerBatch,
		MaxTransmissionSize:      DefaultMaxTransmissionSize,
		MaxBatchSize:             DefaultMaxBatchSize,
		MaxHeaderSize:            DefaultMaxHeaderSize,
		MaxCertificateSize:       DefaultMaxCertificateSize,
		MaxRoundSkip:             DefaultMaxRoundSkip,
		MaxTimestampDrift:        DefaultMaxTimestampDrift,
	}
}

// Validator screens inbound messages before they reach the primary, the
// workers, or the DAG. It performs the stateless checks: structure, size,
// committee membership, digests, and signatures. Stateful checks such as
// equivocation or parent availability belong to the components behind it.
// All methods are safe for concurrent use.
type Validator[H Hash, T Transmission[H]] struct {
	mu        sync.RWMutex
	cfg       ValidationConfig
	committee *Committee
	hashFunc  func([]byte) H
}

// NewValidator creates a Validator with the given configuration.
func NewValidator[H Hash, T Transmission[H]](
	cfg ValidationConfig,
	committee *Committee,
	hashFunc func([]byte) H,
) *Validator[H, T] {
	return &Validator[H, T]{
		cfg:       cfg,
		committee: committee,
		hashFunc:  hashFunc,
	}
}

// SetCommittee replaces the committee snapshot on an epoch transition.
func (v *Validator[H, T]) SetCommittee(committee *Committee) {
	v.mu.Lock()
	v.committee = committee
	v.mu.Unlock()
}

// ValidateHeader validates a batch header before countersigning or accepting.
func (v *Validator[H, T]) ValidateHeader(header *BatchHeader[H], currentRound uint64) error {
	if err := v.checkHeader(header, currentRound); err != nil {
		return &ValidationError{Kind: "header", Cause: err}
	}
	return nil
}

func (v *Validator[H, T]) checkHeader(header *BatchHeader[H], currentRound uint64) error {
	if header == nil {
		return fmt.Errorf("%w: header is nil", ErrInvalidHeader)
	}

	v.mu.RLock()
	committee := v.committee
	cfg := v.cfg
	v.mu.RUnlock()

	// Check author is a committee member
	if !committee.Contains(header.Author) {
		return fmt.Errorf("%w: author %d not in committee", ErrInvalidHeader, header.Author)
	}

	// Check epoch matches the active committee
	if header.Epoch != committee.Epoch() {
		return fmt.Errorf("%w: header epoch %d, committee epoch %d",
			ErrWrongEpoch, header.Epoch, committee.Epoch())
	}

	// Check digest
	if !header.VerifyDigest(v.hashFunc) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidHeader)
	}

	// Check round is not too far ahead
	if header.Round > currentRound+cfg.MaxRoundSkip {
		return fmt.Errorf("%w: round %d too far ahead (current: %d, max skip: %d)",
			ErrInvalidHeader, header.Round, currentRound, cfg.MaxRoundSkip)
	}

	// Check timestamp is not too far in the future
	now := time.Now()
	headerTime := time.UnixMilli(header.Timestamp)
	if headerTime.After(now.Add(cfg.MaxTimestampDrift)) {
		return fmt.Errorf("%w: timestamp %v ahead of local clock (max drift: %v)",
			ErrTimestampSkew, headerTime.Sub(now), cfg.MaxTimestampDrift)
	}

	// Check transmission reference count
	if len(header.TransmissionIDs) > cfg.MaxHeaderTransmissions {
		return fmt.Errorf("%w: too many transmission IDs: %d (max: %d)",
			ErrInvalidHeader, len(header.TransmissionIDs), cfg.MaxHeaderTransmissions)
	}

	// Check previous certificate count
	if len(header.PreviousCertificateIDs) > cfg.MaxPrevious {
		return fmt.Errorf("%w: too many previous certificates: %d (max: %d)",
			ErrInvalidHeader, len(header.PreviousCertificateIDs), cfg.MaxPrevious)
	}

	// Genesis headers build on nothing; every later round builds on the one
	// before it. Whether the previous certificates carry quorum stake is a
	// stateful check made against the DAG.
	if header.Round == 0 && len(header.PreviousCertificateIDs) > 0 {
		return fmt.Errorf("%w: genesis header references %d previous certificates",
			ErrInvalidHeader, len(header.PreviousCertificateIDs))
	}
	if header.Round > 0 && len(header.PreviousCertificateIDs) == 0 {
		return fmt.Errorf("%w: header for round %d references no previous certificates",
			ErrInvalidHeader, header.Round)
	}

	// Check for duplicate transmission IDs
	// Use full hash bytes for comparison (String() may be truncated)
	seenTransmissions := make(map[string]struct{}, len(header.TransmissionIDs))
	for _, id := range header.TransmissionIDs {
		key := string(id.Bytes())
		if _, seen := seenTransmissions[key]; seen {
			return fmt.Errorf("%w: duplicate transmission ID: %s", ErrInvalidHeader, id.String())
		}
		seenTransmissions[key] = struct{}{}
	}

	// Check for duplicate previous certificates
	seenPrevious := make(map[string]struct{}, len(header.PreviousCertificateIDs))
	for _, prev := range header.PreviousCertificateIDs {
		key := string(prev.Bytes())
		if _, seen := seenPrevious[key]; seen {
			return fmt.Errorf("%w: duplicate previous certificate: %s", ErrInvalidHeader, prev.String())
		}
		seenPrevious[key] = struct{}{}
	}

	return nil
}

// ValidateCertificate performs comprehensive validation on a certificate.
//
// Checks performed:
//   - Certificate is not nil
//   - Header is valid (via ValidateHeader)
//   - Signature count is within limits and matches the signer bitmap
//   - Combined signer stake reaches the quorum threshold
//   - All signatures are valid (if verifySignatures is true)
func (v *Validator[H, T]) ValidateCertificate(cert *BatchCertificate[H], currentRound uint64, verifySignatures bool) error {
	if err := v.checkCertificate(cert, currentRound, verifySignatures); err != nil {
		return &ValidationError{Kind: "certificate", Cause: err}
	}
	return nil
}

func (v *Validator[H, T]) checkCertificate(cert *BatchCertificate[H], currentRound uint64, verifySignatures bool) error {
	if cert == nil {
		return fmt.Errorf("%w: certificate is nil", ErrInvalidCertificate)
	}
	if cert.Header == nil {
		return fmt.Errorf("%w: certificate has no header", ErrInvalidCertificate)
	}

	if err := v.checkHeader(cert.Header, currentRound); err != nil {
		return fmt.Errorf("certificate header: %w", err)
	}

	v.mu.RLock()
	committee := v.committee
	maxSignatures := v.cfg.MaxSignatures
	v.mu.RUnlock()

	if len(cert.Signatures) > maxSignatures {
		return fmt.Errorf("%w: too many signatures: %d (max: %d)",
			ErrInvalidCertificate, len(cert.Signatures), maxSignatures)
	}

	if verifySignatures {
		return cert.Validate(committee)
	}

	// Check stake quorum without signature verification
	signerCount := cert.SignerCount()
	if len(cert.Signatures) != signerCount {
		return fmt.Errorf("%w: signature count mismatch: %d signatures, %d bits set",
			ErrInvalidCertificate, len(cert.Signatures), signerCount)
	}
	stake := committee.BitmapStake(cert.SignerBitmap)
	if quorum := committee.QuorumThreshold(); stake < quorum {
		return fmt.Errorf("%w: insufficient signer stake: got %d, need %d",
			ErrInvalidCertificate, stake, quorum)
	}

	return nil
}

// ValidateBatch performs comprehensive validation on a worker batch.
//
// Checks performed:
//   - Batch is not nil
//   - Worker shard index is in range
//   - Originating validator is a committee member
//   - Digest is correct
//   - Transmission count is within limits
//   - Individual transmission sizes are within limits (if checkSize is true)
func (v *Validator[H, T]) ValidateBatch(batch *TransmissionBatch[H, T], checkSize bool) error {
	if err := v.checkBatch(batch, checkSize); err != nil {
		return &ValidationError{Kind: "batch", Cause: err}
	}
	return nil
}

func (v *Validator[H, T]) checkBatch(batch *TransmissionBatch[H, T], checkSize bool) error {
	if batch == nil {
		return fmt.Errorf("%w: batch is nil", ErrInvalidBatch)
	}

	v.mu.RLock()
	committee := v.committee
	cfg := v.cfg
	v.mu.RUnlock()

	if int(batch.Worker) >= MaxWorkers {
		return fmt.Errorf("%w: worker shard %d out of range (max: %d)",
			ErrInvalidBatch, batch.Worker, MaxWorkers-1)
	}

	if !committee.Contains(batch.Validator) {
		return fmt.Errorf("%w: validator %d not in committee", ErrInvalidBatch, batch.Validator)
	}

	if err := batch.Verify(v.hashFunc); err != nil {
		return fmt.Errorf("batch verification failed: %w", err)
	}

	if len(batch.Transmissions) > cfg.MaxTransmissionsPerBatch {
		return fmt.Errorf("%w: too many transmissions: %d (max: %d)",
			ErrInvalidBatch, len(batch.Transmissions), cfg.MaxTransmissionsPerBatch)
	}

	if checkSize {
		for i, tm := range batch.Transmissions {
			if size := len(tm.Bytes()); size > cfg.MaxTransmissionSize {
				return fmt.Errorf("%w: transmission %d too large: %d bytes (max: %d)",
					ErrInvalidBatch, i, size, cfg.MaxTransmissionSize)
			}
		}
	}

	return nil
}

// ValidateSignatureShare validates a countersignature for a proposed header.
//
// Checks performed:
//   - Share is not nil and carries a signature
//   - Signer is a committee member
//   - Signature verifies against the certificate ID (if verifySignature is true)
func (v *Validator[H, T]) ValidateSignatureShare(share *BatchSignature[H], verifySignature bool) error {
	if err := v.checkSignatureShare(share, verifySignature); err != nil {
		return &ValidationError{Kind: "signature", Cause: err}
	}
	return nil
}

func (v *Validator[H, T]) checkSignatureShare(share *BatchSignature[H], verifySignature bool) error {
	if share == nil {
		return fmt.Errorf("%w: signature share is nil", ErrInvalidSignature)
	}

	v.mu.RLock()
	committee := v.committee
	v.mu.RUnlock()

	if !committee.Contains(share.Signer) {
		return fmt.Errorf("%w: signer %d not in committee", ErrInvalidSignature, share.Signer)
	}

	if len(share.Signature) == 0 {
		return fmt.Errorf("%w: empty signature from signer %d", ErrInvalidSignature, share.Signer)
	}

	if verifySignature {
		pubKey, err := committee.Key(share.Signer)
		if err != nil {
			return fmt.Errorf("failed to get signer public key: %w", err)
		}
		if !pubKey.Verify(share.CertificateID.Bytes(), share.Signature) {
			return fmt.Errorf("%w: bad signature from signer %d", ErrInvalidSignature, share.Signer)
		}
	}

	return nil
}

// ValidateMessageSize checks a decoded message's wire size against the
// per-type limit.
func (v *Validator[H, T]) ValidateMessageSize(msgType MessageType, size int) error {
	v.mu.RLock()
	cfg := v.cfg
	v.mu.RUnlock()

	var limit int
	switch msgType {
	case MessageWorkerBatch, MessageTransmissionResponse:
		limit = cfg.MaxBatchSize
	case MessageBatchCertified, MessageCertificateResponse:
		limit = cfg.MaxCertificateSize
	default:
		// Proposals, signature shares, requests and pings are small; the
		// header limit bounds them all.
		limit = cfg.MaxHeaderSize
	}

	if size > limit {
		return &ValidationError{
			Kind: "message",
			Cause: fmt.Errorf("%w: %s message is %d bytes (max: %d)",
				ErrMessageTooLarge, msgType, size, limit),
		}
	}

	return nil
}

// ValidationError wraps a validation failure with the kind of object that
// failed. The cause chain carries the matching sentinel error.
type ValidationError struct {
	Kind  string // "header", "certificate", "batch", "signature", "message"
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %v", e.Kind, e.Cause)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// IsValidationError returns true if err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
