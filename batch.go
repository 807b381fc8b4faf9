package bullshark

import (
	"encoding/binary"
	"fmt"
)

// TransmissionBatch is a bundle of transmissions assembled by a worker and
// pushed to its counterpart workers on other validators. Sequence numbers
// are monotonic per worker and exist only to disambiguate digests.
type TransmissionBatch[H Hash, T Transmission[H]] struct {
	Worker        uint8
	Validator     uint16
	Sequence      uint64
	Transmissions []T
	Digest        H
}

// ComputeDigest computes and sets the digest for this batch.
// The digest is computed over the batch metadata and transmission IDs.
// This must be called before pushing the batch.
func (b *TransmissionBatch[H, T]) ComputeDigest(hashFunc func([]byte) H) {
	b.Digest = hashFunc(b.digestBytes())
}

// digestBytes returns the bytes used to compute the digest.
// Format: [Worker:1][Validator:2][Sequence:8][Count:4][ID0][ID1]...
func (b *TransmissionBatch[H, T]) digestBytes() []byte {
	var hashSize int
	if len(b.Transmissions) > 0 {
		hashSize = len(b.Transmissions[0].Hash().Bytes())
	}
	size := 1 + 2 + 8 + 4 + len(b.Transmissions)*hashSize

	buf := make([]byte, size)
	offset := 0

	buf[offset] = b.Worker
	offset++

	binary.BigEndian.PutUint16(buf[offset:], b.Validator)
	offset += 2

	binary.BigEndian.PutUint64(buf[offset:], b.Sequence)
	offset += 8

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(b.Transmissions)))
	offset += 4

	for _, tm := range b.Transmissions {
		copy(buf[offset:], tm.Hash().Bytes())
		offset += hashSize
	}

	return buf
}

// Verify verifies that the batch digest matches its contents.
func (b *TransmissionBatch[H, T]) Verify(hashFunc func([]byte) H) error {
	expected := hashFunc(b.digestBytes())
	if !b.Digest.Equals(expected) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidBatch)
	}
	return nil
}

// Bytes serializes the batch to bytes.
// Format: [Worker:1][Validator:2][Sequence:8][DigestLen:2][Digest][Count:4][Tm0Len:4][Tm0]...
func (b *TransmissionBatch[H, T]) Bytes() []byte {
	digestBytes := b.Digest.Bytes()

	size := 1 + 2 + 8 + 2 + len(digestBytes) + 4
	for _, tm := range b.Transmissions {
		size += 4 + len(tm.Bytes())
	}

	buf := make([]byte, size)
	offset := 0

	buf[offset] = b.Worker
	offset++

	binary.BigEndian.PutUint16(buf[offset:], b.Validator)
	offset += 2

	binary.BigEndian.PutUint64(buf[offset:], b.Sequence)
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:], uint16(len(digestBytes)))
	offset += 2

	copy(buf[offset:], digestBytes)
	offset += len(digestBytes)

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(b.Transmissions)))
	offset += 4

	for _, tm := range b.Transmissions {
		tmBytes := tm.Bytes()
		binary.BigEndian.PutUint32(buf[offset:], uint32(len(tmBytes)))
		offset += 4
		copy(buf[offset:], tmBytes)
		offset += len(tmBytes)
	}

	return buf
}

// TransmissionBatchFromBytes deserializes a batch from bytes.
// hashFromBytes converts raw bytes to H.
// tmFromBytes converts raw bytes to T.
func TransmissionBatchFromBytes[H Hash, T Transmission[H]](
	data []byte,
	hashFromBytes func([]byte) (H, error),
	tmFromBytes func([]byte) (T, error),
) (*TransmissionBatch[H, T], error) {
	if len(data) < 17 {
		return nil, fmt.Errorf("data too short for batch: %d bytes", len(data))
	}

	offset := 0

	worker := data[offset]
	offset++

	validator := binary.BigEndian.Uint16(data[offset:])
	offset += 2

	sequence := binary.BigEndian.Uint64(data[offset:])
	offset += 8

	digestLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) < offset+digestLen+4 {
		return nil, fmt.Errorf("data too short for batch digest")
	}

	digest, err := hashFromBytes(data[offset : offset+digestLen])
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch digest: %w", err)
	}
	offset += digestLen

	count := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	// Each transmission costs at least its 4-byte length prefix.
	transmissions := make([]T, 0, boundedCap(count, len(data)-offset, 4))
	for i := 0; i < count; i++ {
		if len(data) < offset+4 {
			return nil, fmt.Errorf("data too short for transmission %d length", i)
		}
		tmLen := int(binary.BigEndian.Uint32(data[offset:]))
		offset += 4

		if len(data) < offset+tmLen {
			return nil, fmt.Errorf("data too short for transmission %d", i)
		}
		tm, err := tmFromBytes(data[offset : offset+tmLen])
		if err != nil {
			return nil, fmt.Errorf("failed to parse transmission %d: %w", i, err)
		}
		transmissions = append(transmissions, tm)
		offset += tmLen
	}

	return &TransmissionBatch[H, T]{
		Worker:        worker,
		Validator:     validator,
		Sequence:      sequence,
		Digest:        digest,
		Transmissions: transmissions,
	}, nil
}

// Count returns the number of transmissions in the batch.
func (b *TransmissionBatch[H, T]) Count() int {
	return len(b.Transmissions)
}
