// Package testutil provides shared fixtures for the bullshark tests.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgedlt/bullshark"
)

// TestHash is a 32-byte hash type for testing.
type TestHash [32]byte

// Bytes returns the hash bytes.
func (h TestHash) Bytes() []byte { return h[:] }

// Equals returns true if the hashes are equal.
func (h TestHash) Equals(other bullshark.Hash) bool {
	if o, ok := other.(TestHash); ok {
		return h == o
	}
	return false
}

// String returns the hex-encoded hash.
func (h TestHash) String() string { return hex.EncodeToString(h[:8]) + "..." }

// HashFromBytes creates a TestHash from bytes.
func HashFromBytes(data []byte) (TestHash, error) {
	if len(data) != 32 {
		return TestHash{}, fmt.Errorf("expected 32 bytes, got %d", len(data))
	}
	var h TestHash
	copy(h[:], data)
	return h, nil
}

// ComputeHash computes a SHA256 hash.
func ComputeHash(data []byte) TestHash {
	return sha256.Sum256(data)
}

// TestTransmission is a simple transmission for testing.
type TestTransmission struct {
	hash TestHash
	data []byte
}

// NewTestTransmission creates a new test transmission.
func NewTestTransmission(data []byte) *TestTransmission {
	tm := &TestTransmission{data: data}
	tm.hash = ComputeHash(data)
	return tm
}

// NewTestTransmissionSized creates a test transmission of a specific size.
// The data is padded with zeros to reach the target size.
func NewTestTransmissionSized(id []byte, size int) *TestTransmission {
	data := make([]byte, size)
	copy(data, id)
	tm := &TestTransmission{data: data}
	tm.hash = ComputeHash(data)
	return tm
}

// Hash returns the transmission hash.
func (t *TestTransmission) Hash() TestHash { return t.hash }

// Bytes returns the transmission data.
func (t *TestTransmission) Bytes() []byte { return t.data }

// TransmissionFromBytes deserializes a transmission.
func TransmissionFromBytes(data []byte) (*TestTransmission, error) {
	return NewTestTransmission(data), nil
}

// TestPublicKey wraps an Ed25519 public key.
type TestPublicKey struct {
	key ed25519.PublicKey
}

// Bytes returns the public key bytes.
func (k TestPublicKey) Bytes() []byte { return k.key }

// Verify verifies a signature.
func (k TestPublicKey) Verify(message, signature []byte) bool {
	return ed25519.Verify(k.key, message, signature)
}

// Equals returns true if the keys are equal.
func (k TestPublicKey) Equals(other interface{ Bytes() []byte }) bool {
	if other == nil {
		return false
	}
	if o, ok := other.(TestPublicKey); ok {
		return string(k.key) == string(o.key)
	}
	return string(k.key) == string(other.Bytes())
}

// TestSigner wraps an Ed25519 private key.
type TestSigner struct {
	privateKey ed25519.PrivateKey
	publicKey  TestPublicKey
}

// NewTestSigner creates a new test signer with a random key.
func NewTestSigner() *TestSigner {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	return &TestSigner{
		privateKey: priv,
		publicKey:  TestPublicKey{key: pub},
	}
}

// Sign signs a message.
func (s *TestSigner) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, message), nil
}

// PublicKey returns the public key.
func (s *TestSigner) PublicKey() bullshark.PublicKey {
	return s.publicKey
}

// NewTestCommittee creates a committee of n members with equal stake and
// returns the signers in index order.
func NewTestCommittee(n int) (*bullshark.Committee, []*TestSigner) {
	stakes := make([]uint64, n)
	for i := range stakes {
		stakes[i] = 1
	}
	return NewWeightedTestCommittee(stakes...)
}

// NewWeightedTestCommittee creates a committee with the given stakes and
// returns the signers in index order.
func NewWeightedTestCommittee(stakes ...uint64) (*bullshark.Committee, []*TestSigner) {
	signers := make([]*TestSigner, len(stakes))
	members := make([]bullshark.CommitteeMember, len(stakes))
	for i, stake := range stakes {
		signers[i] = NewTestSigner()
		members[i] = bullshark.CommitteeMember{
			PublicKey: signers[i].PublicKey(),
			Stake:     stake,
		}
	}
	committee, err := bullshark.NewCommittee(0, 0, members)
	if err != nil {
		panic(err)
	}
	return committee, signers
}

// BuildHeader creates a signed batch header for the given author.
func BuildHeader(
	signers []*TestSigner,
	author uint16,
	round, epoch uint64,
	previous []TestHash,
	transmissions []TestHash,
) *bullshark.BatchHeader[TestHash] {
	header := &bullshark.BatchHeader[TestHash]{
		Author:                 author,
		Round:                  round,
		Epoch:                  epoch,
		Timestamp:              time.Now().UnixMilli(),
		TransmissionIDs:        transmissions,
		PreviousCertificateIDs: previous,
	}
	header.ComputeDigest(ComputeHash)
	if err := header.Sign(signers[author]); err != nil {
		panic(err)
	}
	return header
}

// Certify signs the header's digest with every signer and assembles a
// certificate carrying the full committee's stake.
func Certify(
	signers []*TestSigner,
	header *bullshark.BatchHeader[TestHash],
) *bullshark.BatchCertificate[TestHash] {
	return CertifyBy(signers, header, allIndices(len(signers))...)
}

// CertifyBy assembles a certificate signed only by the given members.
func CertifyBy(
	signers []*TestSigner,
	header *bullshark.BatchHeader[TestHash],
	members ...uint16,
) *bullshark.BatchCertificate[TestHash] {
	signatures := make(map[uint16][]byte, len(members))
	for _, idx := range members {
		sig, err := signers[idx].Sign(header.Digest.Bytes())
		if err != nil {
			panic(err)
		}
		signatures[idx] = sig
	}
	return bullshark.NewBatchCertificate(header, signatures)
}

func allIndices(n int) []uint16 {
	indices := make([]uint16, n)
	for i := range indices {
		indices[i] = uint16(i)
	}
	return indices
}

// MemStore is an in-memory Store implementation for testing.
type MemStore struct {
	mu            sync.RWMutex
	transmissions map[TestHash]*TestTransmission
	certificates  map[TestHash]*bullshark.BatchCertificate[TestHash]
	highestRound  uint64
	frontier      uint64
	height        uint64
	closed        bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		transmissions: make(map[TestHash]*TestTransmission),
		certificates:  make(map[TestHash]*bullshark.BatchCertificate[TestHash]),
	}
}

func (s *MemStore) GetTransmission(id TestHash) (*TestTransmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tm, ok := s.transmissions[id]
	if !ok {
		return nil, bullshark.ErrNotFound
	}
	return tm, nil
}

func (s *MemStore) PutTransmission(tm *TestTransmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transmissions[tm.Hash()] = tm
	return nil
}

func (s *MemStore) HasTransmission(id TestHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.transmissions[id]
	return ok
}

func (s *MemStore) GetCertificate(id TestHash) (*bullshark.BatchCertificate[TestHash], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.certificates[id]
	if !ok {
		return nil, bullshark.ErrNotFound
	}
	return cert, nil
}

func (s *MemStore) PutCertificate(cert *bullshark.BatchCertificate[TestHash]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certificates[cert.ID()] = cert
	return nil
}

func (s *MemStore) HasCertificate(id TestHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.certificates[id]
	return ok
}

func (s *MemStore) GetCertificatesForRound(round uint64) ([]*bullshark.BatchCertificate[TestHash], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var certs []*bullshark.BatchCertificate[TestHash]
	for _, cert := range s.certificates {
		if cert.Round() == round {
			certs = append(certs, cert)
		}
	}
	sort.Slice(certs, func(i, j int) bool {
		return certs[i].Author() < certs[j].Author()
	})
	return certs, nil
}

func (s *MemStore) GetHighestRound() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highestRound, nil
}

func (s *MemStore) PutHighestRound(round uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.highestRound = round
	return nil
}

func (s *MemStore) GetCommitState() (uint64, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frontier, s.height, nil
}

func (s *MemStore) PutCommitState(frontier, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frontier = frontier
	s.height = height
	return nil
}

func (s *MemStore) DeleteBeforeRound(round uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cert := range s.certificates {
		if cert.Round() < round {
			delete(s.certificates, id)
		}
	}
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// CertificateCount returns the number of stored certificates.
func (s *MemStore) CertificateCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certificates)
}

// MemLedger is an in-memory LedgerService that accepts every block.
type MemLedger struct {
	mu            sync.Mutex
	blocks        []*bullshark.CommittedSubDAG[TestHash, *TestTransmission]
	certificates  map[TestHash]struct{}
	transmissions map[TestHash]struct{}

	// RejectNext makes the next CheckNextBlock call fail.
	RejectNext bool
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		certificates:  make(map[TestHash]struct{}),
		transmissions: make(map[TestHash]struct{}),
	}
}

func (l *MemLedger) ContainsCertificate(id TestHash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.certificates[id]
	return ok
}

func (l *MemLedger) ContainsTransmission(id TestHash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.transmissions[id]
	return ok
}

func (l *MemLedger) CheckNextBlock(candidate *bullshark.CommittedSubDAG[TestHash, *TestTransmission]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RejectNext {
		l.RejectNext = false
		return bullshark.ErrLedgerRejected
	}
	return nil
}

func (l *MemLedger) AdvanceToNextBlock(candidate *bullshark.CommittedSubDAG[TestHash, *TestTransmission]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks = append(l.blocks, candidate)
	for _, cert := range candidate.Certificates {
		l.certificates[cert.ID()] = struct{}{}
	}
	for _, tm := range candidate.Transmissions {
		l.transmissions[tm.Hash()] = struct{}{}
	}
	return nil
}

// Blocks returns the committed blocks in order.
func (l *MemLedger) Blocks() []*bullshark.CommittedSubDAG[TestHash, *TestTransmission] {
	l.mu.Lock()
	defer l.mu.Unlock()
	blocks := make([]*bullshark.CommittedSubDAG[TestHash, *TestTransmission], len(l.blocks))
	copy(blocks, l.blocks)
	return blocks
}
