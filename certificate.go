package bullshark

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// signerBitmapWords sizes the bitmap for MaxCommitteeSize members.
const signerBitmapWords = 4

// SignerBitmap records which committee members signed a certificate,
// bit i set if member i signed.
type SignerBitmap [signerBitmapWords]uint64

// Set marks the given member index as a signer.
func (b *SignerBitmap) Set(index uint16) {
	b[index/64] |= 1 << (index % 64)
}

// Has returns true if the given member index signed.
func (b SignerBitmap) Has(index uint16) bool {
	if int(index/64) >= signerBitmapWords {
		return false
	}
	return b[index/64]&(1<<(index%64)) != 0
}

// Count returns the number of signers.
func (b SignerBitmap) Count() int {
	n := 0
	for _, word := range b {
		n += bits.OnesCount64(word)
	}
	return n
}

// IsEmpty returns true if no member signed.
func (b SignerBitmap) IsEmpty() bool {
	for _, word := range b {
		if word != 0 {
			return false
		}
	}
	return true
}

// Bytes serializes the bitmap as fixed 32 bytes, word 0 first.
func (b SignerBitmap) Bytes() []byte {
	buf := make([]byte, signerBitmapWords*8)
	for i, word := range b {
		binary.BigEndian.PutUint64(buf[i*8:], word)
	}
	return buf
}

// SignerBitmapFromBytes deserializes a bitmap from fixed 32 bytes.
func SignerBitmapFromBytes(data []byte) (SignerBitmap, error) {
	var b SignerBitmap
	if len(data) < signerBitmapWords*8 {
		return b, fmt.Errorf("data too short for signer bitmap: %d bytes", len(data))
	}
	for i := range b {
		b[i] = binary.BigEndian.Uint64(data[i*8:])
	}
	return b, nil
}

// BatchCertificate is a batch header carrying signatures from committee
// members whose combined stake reaches the quorum threshold. Its ID is the
// header digest.
type BatchCertificate[H Hash] struct {
	Header       *BatchHeader[H]
	Signatures   [][]byte
	SignerBitmap SignerBitmap
}

// NewBatchCertificate creates a certificate from a header and the signatures
// collected for its digest, keyed by committee member index.
func NewBatchCertificate[H Hash](header *BatchHeader[H], signatures map[uint16][]byte) *BatchCertificate[H] {
	cert := &BatchCertificate[H]{
		Header:     header,
		Signatures: make([][]byte, 0, len(signatures)),
	}

	// Iterate indices in order so signature positions match the bitmap.
	for i := uint16(0); i < MaxCommitteeSize; i++ {
		if sig, ok := signatures[i]; ok {
			cert.SignerBitmap.Set(i)
			cert.Signatures = append(cert.Signatures, sig)
		}
	}

	return cert
}

// ID returns the certificate ID (the header digest).
func (c *BatchCertificate[H]) ID() H {
	return c.Header.Digest
}

// Round returns the certificate's round.
func (c *BatchCertificate[H]) Round() uint64 {
	return c.Header.Round
}

// Author returns the committee index of the proposing primary.
func (c *BatchCertificate[H]) Author() uint16 {
	return c.Header.Author
}

// Timestamp returns the header timestamp.
func (c *BatchCertificate[H]) Timestamp() int64 {
	return c.Header.Timestamp
}

// SignerCount returns the number of members who signed this certificate.
func (c *BatchCertificate[H]) SignerCount() int {
	return c.SignerBitmap.Count()
}

// HasSigner returns true if the given member signed this certificate.
func (c *BatchCertificate[H]) HasSigner(index uint16) bool {
	return c.SignerBitmap.Has(index)
}

// Signers returns the committee indices of all signers, ascending.
func (c *BatchCertificate[H]) Signers() []uint16 {
	signers := make([]uint16, 0, c.SignerCount())
	for i := uint16(0); i < MaxCommitteeSize; i++ {
		if c.SignerBitmap.Has(i) {
			signers = append(signers, i)
		}
	}
	return signers
}

// Validate verifies that the certificate carries a quorum of stake in valid
// signatures over the header digest.
func (c *BatchCertificate[H]) Validate(committee *Committee) error {
	if c.Header == nil {
		return fmt.Errorf("certificate has no header")
	}
	if !committee.Contains(c.Header.Author) {
		return fmt.Errorf("%w: author %d not in committee", ErrInvalidCertificate, c.Header.Author)
	}

	signerCount := c.SignerBitmap.Count()
	if len(c.Signatures) != signerCount {
		return fmt.Errorf("%w: signature count mismatch: %d signatures, %d bits set",
			ErrInvalidCertificate, len(c.Signatures), signerCount)
	}

	stake := committee.BitmapStake(c.SignerBitmap)
	if quorum := committee.QuorumThreshold(); stake < quorum {
		return fmt.Errorf("%w: insufficient signer stake: got %d, need %d",
			ErrInvalidCertificate, stake, quorum)
	}

	message := c.Header.Digest.Bytes()
	sigIdx := 0
	for i := 0; i < committee.Size(); i++ {
		if !c.SignerBitmap.Has(uint16(i)) {
			continue
		}
		pubKey, err := committee.Key(uint16(i))
		if err != nil {
			return fmt.Errorf("failed to get public key for member %d: %w", i, err)
		}
		if !pubKey.Verify(message, c.Signatures[sigIdx]) {
			return fmt.Errorf("%w: invalid signature from member %d", ErrInvalidCertificate, i)
		}
		sigIdx++
	}

	// A bit set beyond the committee size has no matching signature slot.
	if sigIdx != signerCount {
		return fmt.Errorf("%w: signer bit set outside committee", ErrInvalidCertificate)
	}

	return nil
}

// ValidateWithCrypto verifies the certificate using the provided
// CryptoProvider for batch verification. If cache is non-nil,
// already-verified signatures are skipped.
func (c *BatchCertificate[H]) ValidateWithCrypto(committee *Committee, crypto CryptoProvider, cache *SignatureCache) error {
	if c.Header == nil {
		return fmt.Errorf("certificate has no header")
	}
	if !committee.Contains(c.Header.Author) {
		return fmt.Errorf("%w: author %d not in committee", ErrInvalidCertificate, c.Header.Author)
	}

	signerCount := c.SignerBitmap.Count()
	if len(c.Signatures) != signerCount {
		return fmt.Errorf("%w: signature count mismatch: %d signatures, %d bits set",
			ErrInvalidCertificate, len(c.Signatures), signerCount)
	}

	stake := committee.BitmapStake(c.SignerBitmap)
	if quorum := committee.QuorumThreshold(); stake < quorum {
		return fmt.Errorf("%w: insufficient signer stake: got %d, need %d",
			ErrInvalidCertificate, stake, quorum)
	}

	verifier := crypto.NewBatchVerifier(committee)
	defer verifier.Reset()

	var v BatchVerifier = verifier
	if cache != nil {
		v = NewCachedBatchVerifier(verifier, cache, committee)
	}

	message := c.Header.Digest.Bytes()
	sigIdx := 0
	for i := 0; i < committee.Size(); i++ {
		if !c.SignerBitmap.Has(uint16(i)) {
			continue
		}
		v.Add(message, c.Signatures[sigIdx], uint16(i))
		sigIdx++
	}

	if sigIdx != signerCount {
		return fmt.Errorf("%w: signer bit set outside committee", ErrInvalidCertificate)
	}

	return v.Verify()
}

// Bytes serializes the certificate to bytes.
// Format: [Header bytes][SignerBitmap:32][SigCount:4][Sig0Len:2][Sig0]...
func (c *BatchCertificate[H]) Bytes() []byte {
	headerBytes := c.Header.Bytes()

	size := len(headerBytes) + signerBitmapWords*8 + 4
	for _, sig := range c.Signatures {
		size += 2 + len(sig)
	}

	buf := make([]byte, size)
	offset := 0

	copy(buf[offset:], headerBytes)
	offset += len(headerBytes)

	copy(buf[offset:], c.SignerBitmap.Bytes())
	offset += signerBitmapWords * 8

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(c.Signatures)))
	offset += 4

	for _, sig := range c.Signatures {
		binary.BigEndian.PutUint16(buf[offset:], uint16(len(sig)))
		offset += 2
		copy(buf[offset:], sig)
		offset += len(sig)
	}

	return buf
}

// BatchCertificateFromBytes deserializes a certificate from bytes.
func BatchCertificateFromBytes[H Hash](
	data []byte,
	hashFromBytes func([]byte) (H, error),
) (*BatchCertificate[H], error) {
	if len(data) < 68 { // Minimum: header(32) + bitmap(32) + sigcount(4)
		return nil, fmt.Errorf("data too short for certificate: %d bytes", len(data))
	}

	header, err := BatchHeaderFromBytes(data, hashFromBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate header: %w", err)
	}

	// Re-serialize to find where the header ends.
	headerBytes := header.Bytes()
	offset := len(headerBytes)

	if len(data) < offset+signerBitmapWords*8+4 {
		return nil, fmt.Errorf("data too short for certificate signatures")
	}

	bitmap, err := SignerBitmapFromBytes(data[offset:])
	if err != nil {
		return nil, err
	}
	offset += signerBitmapWords * 8

	sigCount := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4

	// Each signature costs at least its 2-byte length prefix.
	signatures := make([][]byte, 0, boundedCap(sigCount, len(data)-offset, 2))
	for i := 0; i < sigCount; i++ {
		if len(data) < offset+2 {
			return nil, fmt.Errorf("data too short for signature %d length", i)
		}
		sigLen := int(binary.BigEndian.Uint16(data[offset:]))
		offset += 2

		if len(data) < offset+sigLen {
			return nil, fmt.Errorf("data too short for signature %d", i)
		}
		sig := make([]byte, sigLen)
		copy(sig, data[offset:offset+sigLen])
		signatures = append(signatures, sig)
		offset += sigLen
	}

	return &BatchCertificate[H]{
		Header:       header,
		SignerBitmap: bitmap,
		Signatures:   signatures,
	}, nil
}
