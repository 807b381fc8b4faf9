// BLS signature support using gnark-crypto. BLS12-381 in the minimal
// signature variant: signatures live in G1, public keys in G2.

package bullshark

import (
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// Domain separation tag for hash-to-curve.
const blsDST = "BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"

// BLSKeyPair holds a BLS private/public key pair.
type BLSKeyPair struct {
	PrivateKey []byte // 32 bytes (fr.Element)
	PublicKey  []byte // 96 bytes (G2Affine compressed)
}

// GenerateBLSKeyPair generates a new BLS key pair. The public key is
// pk = sk * G2.
func GenerateBLSKeyPair() (*BLSKeyPair, error) {
	var scalar fr.Element
	if _, err := scalar.SetRandom(); err != nil {
		return nil, fmt.Errorf("failed to generate random scalar: %w", err)
	}
	privBytes := scalar.Bytes()

	_, _, _, g2Gen := bls12381.Generators()
	var pk bls12381.G2Affine
	pk.ScalarMultiplication(&g2Gen, scalar.BigInt(new(big.Int)))
	pubBytes := pk.Bytes()

	return &BLSKeyPair{
		PrivateKey: privBytes[:],
		PublicKey:  pubBytes[:],
	}, nil
}

// hashToPoint maps a message onto G1 under the scheme's DST.
func hashToPoint(message []byte) (bls12381.G1Affine, error) {
	return bls12381.HashToG1(message, []byte(blsDST))
}

// pairingCheck reports whether e(hash, pk) == e(sig, G2), the core
// verification equation of the minimal-signature scheme. hash may be a
// random-linear-combination aggregate, with pk and sig aggregated to match.
func pairingCheck(hashes []bls12381.G1Affine, pubKeys []bls12381.G2Affine, sig bls12381.G1Affine) bool {
	_, _, _, g2Gen := bls12381.Generators()

	left, err := bls12381.Pair(hashes, pubKeys)
	if err != nil {
		return false
	}
	right, err := bls12381.Pair([]bls12381.G1Affine{sig}, []bls12381.G2Affine{g2Gen})
	if err != nil {
		return false
	}
	return left.Equal(&right)
}

// BLSSign signs a message with a BLS private key: sig = sk * H(m).
func BLSSign(privateKey []byte, message []byte) ([]byte, error) {
	var scalar fr.Element
	scalar.SetBytes(privateKey)

	hashPoint, err := hashToPoint(message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&hashPoint, scalar.BigInt(new(big.Int)))

	bytes := sig.Bytes()
	return bytes[:], nil
}

// GnarkBLSBatchVerifier implements BLSBatchVerifier using gnark-crypto.
// Batches are checked with a random linear combination so one multi-pairing
// covers the whole batch.
type GnarkBLSBatchVerifier struct {
	pubKeys    []bls12381.G2Affine
	messages   [][]byte
	signatures []bls12381.G1Affine
}

// NewGnarkBLSBatchVerifier creates an empty batch verifier.
func NewGnarkBLSBatchVerifier() *GnarkBLSBatchVerifier {
	return &GnarkBLSBatchVerifier{
		pubKeys:    make([]bls12381.G2Affine, 0, 16),
		messages:   make([][]byte, 0, 16),
		signatures: make([]bls12381.G1Affine, 0, 16),
	}
}

// AddSignature queues one (pubKey, message, signature) triple. Entries whose
// key or signature fail to parse are skipped; the caller's fallback path
// rejects them individually.
func (v *GnarkBLSBatchVerifier) AddSignature(pubKey []byte, message []byte, signature []byte) {
	var pk bls12381.G2Affine
	if _, err := pk.SetBytes(pubKey); err != nil {
		return
	}
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(signature); err != nil {
		return
	}

	v.pubKeys = append(v.pubKeys, pk)
	v.messages = append(v.messages, message)
	v.signatures = append(v.signatures, sig)
}

// VerifyBatch checks every queued signature. An empty batch passes.
func (v *GnarkBLSBatchVerifier) VerifyBatch() bool {
	switch len(v.signatures) {
	case 0:
		return true
	case 1:
		return v.verifySingle(0)
	}

	// Random coefficients defeat rogue-key cancellation across the batch.
	coeffs := make([]fr.Element, len(v.signatures))
	for i := range coeffs {
		_, _ = coeffs[i].SetRandom()
	}

	// Aggregate signature: Σ r_i * sig_i
	var aggSigJac bls12381.G1Jac
	for i := range v.signatures {
		var sigJac bls12381.G1Jac
		sigJac.FromAffine(&v.signatures[i])
		sigJac.ScalarMultiplication(&sigJac, coeffs[i].BigInt(new(big.Int)))
		aggSigJac.AddAssign(&sigJac)
	}
	var aggSig bls12381.G1Affine
	aggSig.FromJacobian(&aggSigJac)

	// Scaled message hashes: r_i * H(m_i)
	scaledHashes := make([]bls12381.G1Affine, len(v.messages))
	for i, msg := range v.messages {
		hashPoint, err := hashToPoint(msg)
		if err != nil {
			return false
		}
		var hashJac bls12381.G1Jac
		hashJac.FromAffine(&hashPoint)
		hashJac.ScalarMultiplication(&hashJac, coeffs[i].BigInt(new(big.Int)))
		scaledHashes[i].FromJacobian(&hashJac)
	}

	// e(Σ r_i * sig_i, G2) == Π e(r_i * H(m_i), pk_i)
	return pairingCheck(scaledHashes, v.pubKeys, aggSig)
}

func (v *GnarkBLSBatchVerifier) verifySingle(i int) bool {
	hashPoint, err := hashToPoint(v.messages[i])
	if err != nil {
		return false
	}
	return pairingCheck(
		[]bls12381.G1Affine{hashPoint},
		[]bls12381.G2Affine{v.pubKeys[i]},
		v.signatures[i])
}

// Reset clears the batch for reuse.
func (v *GnarkBLSBatchVerifier) Reset() {
	v.pubKeys = v.pubKeys[:0]
	v.messages = v.messages[:0]
	v.signatures = v.signatures[:0]
}

// GnarkBLSAggregator implements BLSAggregator using gnark-crypto.
type GnarkBLSAggregator struct{}

// NewGnarkBLSAggregator creates a new BLS aggregator.
func NewGnarkBLSAggregator() *GnarkBLSAggregator {
	return &GnarkBLSAggregator{}
}

// Aggregate sums multiple BLS signatures into one G1 point.
func (a *GnarkBLSAggregator) Aggregate(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	var aggSig bls12381.G1Jac
	for i, sigBytes := range signatures {
		var sig bls12381.G1Affine
		if _, err := sig.SetBytes(sigBytes); err != nil {
			return nil, fmt.Errorf("invalid signature at index %d: %w", i, err)
		}
		var sigJac bls12381.G1Jac
		sigJac.FromAffine(&sig)
		aggSig.AddAssign(&sigJac)
	}

	var result bls12381.G1Affine
	result.FromJacobian(&aggSig)
	bytes := result.Bytes()
	return bytes[:], nil
}

// VerifyAggregate checks an aggregated signature where every signer signed
// the same message, against the sum of their public keys.
func (a *GnarkBLSAggregator) VerifyAggregate(pubKeys [][]byte, message []byte, aggSig []byte) bool {
	if len(pubKeys) == 0 {
		return false
	}

	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(aggSig); err != nil {
		return false
	}

	var aggPK bls12381.G2Jac
	for _, pkBytes := range pubKeys {
		var pk bls12381.G2Affine
		if _, err := pk.SetBytes(pkBytes); err != nil {
			return false
		}
		var pkJac bls12381.G2Jac
		pkJac.FromAffine(&pk)
		aggPK.AddAssign(&pkJac)
	}
	var aggPKAff bls12381.G2Affine
	aggPKAff.FromJacobian(&aggPK)

	hashPoint, err := hashToPoint(message)
	if err != nil {
		return false
	}

	return pairingCheck(
		[]bls12381.G1Affine{hashPoint},
		[]bls12381.G2Affine{aggPKAff},
		sig)
}

// GnarkBLSCryptoProvider implements CryptoProvider for BLS using gnark-crypto.
type GnarkBLSCryptoProvider struct {
	aggregator *GnarkBLSAggregator
}

// NewGnarkBLSCryptoProvider creates a BLS crypto provider.
func NewGnarkBLSCryptoProvider() *GnarkBLSCryptoProvider {
	return &GnarkBLSCryptoProvider{
		aggregator: NewGnarkBLSAggregator(),
	}
}

func (p *GnarkBLSCryptoProvider) Scheme() SignatureScheme {
	return SignatureSchemeBLS
}

func (p *GnarkBLSCryptoProvider) NewBatchVerifier(committee *Committee) BatchVerifier {
	return NewBLSBatchVerifier(committee, NewGnarkBLSBatchVerifier())
}

func (p *GnarkBLSCryptoProvider) SupportsAggregation() bool {
	return true
}

func (p *GnarkBLSCryptoProvider) Aggregator() BLSAggregator {
	return p.aggregator
}

// BLSPublicKey wraps a BLS public key for the PublicKey interface. The
// parsed curve point is cached alongside the raw bytes.
type BLSPublicKey struct {
	bytes []byte
	point bls12381.G2Affine
}

// NewBLSPublicKey creates a BLS public key from compressed G2 bytes.
func NewBLSPublicKey(b []byte) (*BLSPublicKey, error) {
	pk := &BLSPublicKey{bytes: make([]byte, len(b))}
	copy(pk.bytes, b)
	if _, err := pk.point.SetBytes(b); err != nil {
		return nil, fmt.Errorf("invalid BLS public key: %w", err)
	}
	return pk, nil
}

func (k *BLSPublicKey) Bytes() []byte {
	return k.bytes
}

func (k *BLSPublicKey) Verify(message, signature []byte) bool {
	var sig bls12381.G1Affine
	if _, err := sig.SetBytes(signature); err != nil {
		return false
	}

	hashPoint, err := hashToPoint(message)
	if err != nil {
		return false
	}

	return pairingCheck(
		[]bls12381.G1Affine{hashPoint},
		[]bls12381.G2Affine{k.point},
		sig)
}

func (k *BLSPublicKey) Equals(other interface{ Bytes() []byte }) bool {
	if other == nil {
		return false
	}
	if o, ok := other.(*BLSPublicKey); ok {
		return k.point.Equal(&o.point)
	}
	// Byte comparison covers keys from other implementations.
	otherBytes := other.Bytes()
	return len(otherBytes) == len(k.bytes) && string(otherBytes) == string(k.bytes)
}

// BLSSigner implements the Signer interface for BLS.
type BLSSigner struct {
	privateKey []byte
	publicKey  *BLSPublicKey
}

// NewBLSSigner creates a new BLS signer from a key pair.
func NewBLSSigner(keyPair *BLSKeyPair) (*BLSSigner, error) {
	pk, err := NewBLSPublicKey(keyPair.PublicKey)
	if err != nil {
		return nil, err
	}
	return &BLSSigner{
		privateKey: keyPair.PrivateKey,
		publicKey:  pk,
	}, nil
}

func (s *BLSSigner) Sign(message []byte) ([]byte, error) {
	return BLSSign(s.privateKey, message)
}

func (s *BLSSigner) PublicKey() PublicKey {
	return s.publicKey
}

// NewBLSCommittee generates fresh BLS key pairs and assembles a committee
// with the given per-member stakes. Returns the committee and the matching
// signers, indexed by committee position.
func NewBLSCommittee(epoch, startingRound uint64, stakes []uint64) (*Committee, []*BLSSigner, error) {
	signers := make([]*BLSSigner, len(stakes))
	members := make([]CommitteeMember, len(stakes))

	for i, stake := range stakes {
		keyPair, err := GenerateBLSKeyPair()
		if err != nil {
			return nil, nil, err
		}
		signer, err := NewBLSSigner(keyPair)
		if err != nil {
			return nil, nil, err
		}
		signers[i] = signer
		members[i] = CommitteeMember{
			PublicKey: signer.PublicKey(),
			Stake:     stake,
		}
	}

	committee, err := NewCommittee(epoch, startingRound, members)
	if err != nil {
		return nil, nil, err
	}
	return committee, signers, nil
}

var _ BLSBatchVerifier = (*GnarkBLSBatchVerifier)(nil)
var _ BLSAggregator = (*GnarkBLSAggregator)(nil)
var _ CryptoProvider = (*GnarkBLSCryptoProvider)(nil)
var _ PublicKey = (*BLSPublicKey)(nil)
var _ Signer = (*BLSSigner)(nil)
