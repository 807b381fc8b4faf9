package bullshark

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions callers branch on. Richer context is
// attached with fmt.Errorf("%w: ...") or the typed errors below.
var (
	// ErrShuttingDown is returned by operations issued after Stop.
	ErrShuttingDown = errors.New("shutting down")

	// ErrNotFound is returned when a requested object is not known locally.
	ErrNotFound = errors.New("not found")

	// ErrInvalidHeader is returned when a proposed batch header fails
	// validation.
	ErrInvalidHeader = errors.New("invalid header")

	// ErrInvalidCertificate is returned when a certificate fails structural
	// or signature validation.
	ErrInvalidCertificate = errors.New("invalid certificate")

	// ErrInvalidBatch is returned when a transmission batch fails validation.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrInvalidSignature is returned when a signature share fails to verify.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrMisroutedTransmission is returned when a transmission arrives at a
	// worker that does not own its shard.
	ErrMisroutedTransmission = errors.New("misrouted transmission")

	// ErrEquivocation is matched by EquivocationError via errors.Is.
	ErrEquivocation = errors.New("equivocation detected")

	// ErrMissingPrevious is matched by MissingPreviousError via errors.Is.
	ErrMissingPrevious = errors.New("missing previous certificates")

	// ErrWrongEpoch is returned when an object belongs to a different
	// committee epoch than the one in effect.
	ErrWrongEpoch = errors.New("wrong epoch")

	// ErrTimestampSkew is returned when a header timestamp is too far in
	// the future relative to the local clock.
	ErrTimestampSkew = errors.New("timestamp too far in future")

	// ErrMessageTooLarge is returned when a wire frame exceeds the configured
	// maximum, before or after decompression.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMalformedMessage is returned when a wire frame cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrLedgerRejected is returned when the external ledger service refuses
	// a candidate block. The DAG is unaffected; the commit frontier is
	// withheld until the operator resolves the fault.
	ErrLedgerRejected = errors.New("ledger rejected block")
)

// EquivocationError records two distinct certificates from the same author
// in the same round. It carries enough evidence for the caller to flag or
// slash the author; the second certificate is always the one rejected.
type EquivocationError[H Hash] struct {
	Author        uint16
	Round         uint64
	ExistingID    H
	ConflictingID H
}

func (e *EquivocationError[H]) Error() string {
	return fmt.Sprintf("equivocation detected: author %d round %d already certified %s, rejected %s",
		e.Author, e.Round, e.ExistingID.String(), e.ConflictingID.String())
}

// Is reports whether target is ErrEquivocation.
func (e *EquivocationError[H]) Is(target error) bool {
	return target == ErrEquivocation
}

// MissingPreviousError defers acceptance of a certificate whose previous
// round links are not yet known locally. The caller queues the certificate
// and issues pending fetches for the missing IDs.
type MissingPreviousError[H Hash] struct {
	CertificateID H
	Round         uint64
	Missing       []H
}

func (e *MissingPreviousError[H]) Error() string {
	return fmt.Sprintf("certificate %s round %d references %d unknown previous certificates",
		e.CertificateID.String(), e.Round, len(e.Missing))
}

// Is reports whether target is ErrMissingPrevious.
func (e *MissingPreviousError[H]) Is(target error) bool {
	return target == ErrMissingPrevious
}
