package bullshark

import (
	"encoding/binary"
	"fmt"
)

// BatchHeader is a primary's proposal to form a DAG vertex. It references
// the transmission IDs the proposer holds for this round and the certificate
// IDs of the previous round it builds on. The digest doubles as the ID of
// the certificate the header becomes once a quorum signs it.
type BatchHeader[H Hash] struct {
	Author                 uint16
	Round                  uint64
	Epoch                  uint64
	Timestamp              int64
	TransmissionIDs        []H
	PreviousCertificateIDs []H
	Digest                 H
	Signature              []byte
}

// ComputeDigest computes and sets the digest for this header.
// The digest is computed over all header fields except the digest and the
// author signature. This must be called before signing or broadcasting.
func (h *BatchHeader[H]) ComputeDigest(hashFunc func([]byte) H) {
	h.Digest = hashFunc(h.digestBytes())
}

// digestBytes returns the bytes used to compute the digest.
// Format: [Author:2][Round:8][Epoch:8][Timestamp:8][TransmissionCount:4][ID0]...[PreviousCount:4][Prev0]...
func (h *BatchHeader[H]) digestBytes() []byte {
	var hashSize int
	if len(h.TransmissionIDs) > 0 {
		hashSize = len(h.TransmissionIDs[0].Bytes())
	} else if len(h.PreviousCertificateIDs) > 0 {
		hashSize = len(h.PreviousCertificateIDs[0].Bytes())
	}

	size := 2 + 8 + 8 + 8 + 4 + len(h.TransmissionIDs)*hashSize + 4 + len(h.PreviousCertificateIDs)*hashSize

	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], h.Author)
	offset += 2

	binary.BigEndian.PutUint64(buf[offset:], h.Round)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], h.Epoch)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], uint64(h.Timestamp))
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(h.TransmissionIDs)))
	offset += 4

	for _, id := range h.TransmissionIDs {
		copy(buf[offset:], id.Bytes())
		offset += hashSize
	}

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(h.PreviousCertificateIDs)))
	offset += 4

	for _, prev := range h.PreviousCertificateIDs {
		copy(buf[offset:], prev.Bytes())
		offset += hashSize
	}

	return buf
}

// VerifyDigest verifies that the header digest matches its contents.
func (h *BatchHeader[H]) VerifyDigest(hashFunc func([]byte) H) bool {
	expected := hashFunc(h.digestBytes())
	return h.Digest.Equals(expected)
}

// Sign computes the author signature over the header digest.
// ComputeDigest must have been called first.
func (h *BatchHeader[H]) Sign(signer Signer) error {
	sig, err := signer.Sign(h.Digest.Bytes())
	if err != nil {
		return fmt.Errorf("failed to sign header: %w", err)
	}
	h.Signature = sig
	return nil
}

// VerifySignature verifies the author signature against the given key.
func (h *BatchHeader[H]) VerifySignature(pubKey PublicKey) bool {
	if len(h.Signature) == 0 {
		return false
	}
	return pubKey.Verify(h.Digest.Bytes(), h.Signature)
}

// Bytes serializes the header to bytes.
// Format: [Author:2][Round:8][Epoch:8][Timestamp:8][DigestLen:2][Digest][SigLen:2][Sig]
// [TransmissionCount:4][HashLen:2][ID0]...[PreviousCount:4][Prev0]...
func (h *BatchHeader[H]) Bytes() []byte {
	digestBytes := h.Digest.Bytes()

	var hashSize int
	if len(h.TransmissionIDs) > 0 {
		hashSize = len(h.TransmissionIDs[0].Bytes())
	} else if len(h.PreviousCertificateIDs) > 0 {
		hashSize = len(h.PreviousCertificateIDs[0].Bytes())
	} else if len(digestBytes) > 0 {
		hashSize = len(digestBytes)
	}

	size := 2 + 8 + 8 + 8 + 2 + len(digestBytes) + 2 + len(h.Signature) +
		4 + 2 + len(h.TransmissionIDs)*hashSize + 4 + len(h.PreviousCertificateIDs)*hashSize

	buf := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], h.Author)
	offset += 2

	binary.BigEndian.PutUint64(buf[offset:], h.Round)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], h.Epoch)
	offset += 8

	binary.BigEndian.PutUint64(buf[offset:], uint64(h.Timestamp))
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(digestBytes)))
	offset += 2

	copy(buf[offset:], digestBytes)
	offset += len(digestBytes)

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(h.Signature)))
	offset += 2

	copy(buf[offset:], h.Signature)
	offset += len(h.Signature)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(h.TransmissionIDs)))
	offset += 4

	binary.BigEndian.PutUint16(buf[offset:], uint16(hashSize))
	offset += 2

	for _, id := range h.TransmissionIDs {
		copy(buf[offset:], id.Bytes())
		offset += hashSize
	}

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(h.PreviousCertificateIDs)))
	offset += 4

	for _, prev := range h.PreviousCertificateIDs {
		copy(buf[offset:], prev.Bytes())
		offset += hashSize
	}

	return buf
}

// boundedCap limits a wire-declared element count by what the remaining
// buffer could actually hold, so a hostile count cannot force a huge
// allocation before the per-element length checks run.
func boundedCap(count, remaining, elementSize int) int {
	if count < 0 {
		return 0
	}
	if elementSize <= 0 {
		elementSize = 1
	}
	if fits := remaining / elementSize; count > fits {
		return fits
	}
	return count
}

// BatchHeaderFromBytes deserializes a header from bytes.
func BatchHeaderFromBytes[H Hash](
	data []byte,
	hashFromBytes func([]byte) (H, error),
) (*BatchHeader[H], error) {
	if len(data) < 32 { // Minimum header size
		return nil, fmt.Errorf("data too short for header: %d bytes", len(data))
	}

	offset := 0

	author := binary.BigEndian.Uint16(data[offset:])
	offset += 2

	round := binary.BigEndian.Uint64(data[offset:])
	offset += 8

	epoch := binary.BigEndian.Uint64(data[offset:])
	offset += 8

	timestamp := int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	digestLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) < offset+digestLen {
		return nil, fmt.Errorf("data too short for header digest")
	}

	digest, err := hashFromBytes(data[offset : offset+digestLen])
	if err != nil {
		return nil, fmt.Errorf("failed to parse header digest: %w", err)
	}
	offset += digestLen

	if len(data) < offset+2 {
		return nil, fmt.Errorf("data too short for header signature length")
	}

	sigLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) < offset+sigLen {
		return nil, fmt.Errorf("data too short for header signature")
	}

	var signature []byte
	if sigLen > 0 {
		signature = make([]byte, sigLen)
		copy(signature, data[offset:offset+sigLen])
	}
	offset += sigLen

	if len(data) < offset+6 {
		return nil, fmt.Errorf("data too short for transmission IDs")
	}

	transmissionCount := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	hashSize := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	transmissionIDs := make([]H, 0, boundedCap(transmissionCount, len(data)-offset, hashSize))
	for i := 0; i < transmissionCount; i++ {
		if len(data) < offset+hashSize {
			return nil, fmt.Errorf("data too short for transmission ID %d", i)
		}
		id, err := hashFromBytes(data[offset : offset+hashSize])
		if err != nil {
			return nil, fmt.Errorf("failed to parse transmission ID %d: %w", i, err)
		}
		transmissionIDs = append(transmissionIDs, id)
		offset += hashSize
	}

	if len(data) < offset+4 {
		return nil, fmt.Errorf("data too short for previous certificate count")
	}

	previousCount := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	previousIDs := make([]H, 0, boundedCap(previousCount, len(data)-offset, hashSize))
	for i := 0; i < previousCount; i++ {
		if len(data) < offset+hashSize {
			return nil, fmt.Errorf("data too short for previous certificate ID %d", i)
		}
		prev, err := hashFromBytes(data[offset : offset+hashSize])
		if err != nil {
			return nil, fmt.Errorf("failed to parse previous certificate ID %d: %w", i, err)
		}
		previousIDs = append(previousIDs, prev)
		offset += hashSize
	}

	return &BatchHeader[H]{
		Author:                 author,
		Round:                  round,
		Epoch:                  epoch,
		Timestamp:              timestamp,
		Digest:                 digest,
		Signature:              signature,
		TransmissionIDs:        transmissionIDs,
		PreviousCertificateIDs: previousIDs,
	}, nil
}
