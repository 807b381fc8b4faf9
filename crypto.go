// Optimized cryptographic verification for both Ed25519 and BLS signature
// schemes.

package bullshark

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// SignatureScheme identifies the signature algorithm in use.
type SignatureScheme uint8

const (
	// SignatureSchemeEd25519 uses Ed25519 signatures (individual verification).
	SignatureSchemeEd25519 SignatureScheme = iota

	// SignatureSchemeBLS uses BLS signatures (supports aggregation and batch verification).
	SignatureSchemeBLS
)

// BatchVerifier provides optimized signature verification.
// For BLS, it can verify multiple signatures in a single operation.
// For Ed25519, it parallelizes verification across goroutines.
//
// Usage:
//
//	verifier := provider.NewBatchVerifier(committee)
//	for i, sig := range signatures {
//	    verifier.Add(message, sig, signerIndex)
//	}
//	if err := verifier.Verify(); err != nil {
//	    // verification failed
//	}
type BatchVerifier interface {
	// Add queues a signature for batch verification.
	// signer is the committee index used to look up the public key.
	Add(message []byte, signature []byte, signer uint16)

	// Verify performs batch verification of all queued signatures.
	// Returns nil if all signatures are valid, or an error describing the failure.
	Verify() error

	// Reset clears all queued signatures for reuse.
	Reset()
}

// BLSBatchVerifier provides batch verification capability for BLS signatures.
type BLSBatchVerifier interface {
	// AddSignature adds a signature to the batch.
	// pubKey is the raw public key bytes.
	// message is the data that was signed.
	// signature is the BLS signature bytes.
	AddSignature(pubKey []byte, message []byte, signature []byte)

	// VerifyBatch verifies all signatures added to the batch.
	// Returns true if all signatures are valid.
	VerifyBatch() bool

	// Reset clears the batch for reuse.
	Reset()
}

// BLSAggregator provides signature aggregation for BLS.
// Aggregated signatures reduce certificate size and verification time.
type BLSAggregator interface {
	// Aggregate combines multiple BLS signatures into one.
	// Returns the aggregated signature bytes.
	Aggregate(signatures [][]byte) ([]byte, error)

	// VerifyAggregate verifies an aggregated signature against multiple public keys.
	// pubKeys are the raw public key bytes of all signers.
	// message is the data that was signed (must be same for all).
	// aggSig is the aggregated signature.
	VerifyAggregate(pubKeys [][]byte, message []byte, aggSig []byte) bool
}

// CryptoProvider abstracts the certificate verification scheme.
// Implementations should provide optimized verification for their signature scheme.
type CryptoProvider interface {
	// Scheme returns the signature scheme this provider implements.
	Scheme() SignatureScheme

	// NewBatchVerifier creates a new batch verifier.
	// The verifier uses the provided committee for public key lookups.
	NewBatchVerifier(committee *Committee) BatchVerifier

	// SupportsAggregation returns true if this scheme supports signature aggregation.
	// BLS supports aggregation, Ed25519 does not.
	SupportsAggregation() bool

	// Aggregator returns the BLS aggregator if aggregation is supported.
	// Returns nil for Ed25519.
	Aggregator() BLSAggregator
}

// SignatureError indicates a signature verification failure.
type SignatureError struct {
	Signer uint16
}

func (e *SignatureError) Error() string {
	return "invalid signature from committee member"
}

func (e *SignatureError) Is(target error) bool {
	return target == ErrInvalidSignature
}

// ed25519BatchVerifier implements BatchVerifier for Ed25519 using parallel verification.
type ed25519BatchVerifier struct {
	committee *Committee
	items     []verifyItem
	workers   int
}

type verifyItem struct {
	message   []byte
	signature []byte
	signer    uint16
}

// NewEd25519BatchVerifier creates a batch verifier for Ed25519.
// It parallelizes verification across multiple goroutines.
func NewEd25519BatchVerifier(committee *Committee, workers int) BatchVerifier {
	if workers <= 0 {
		workers = 4 // default parallelism
	}
	return &ed25519BatchVerifier{
		committee: committee,
		items:     make([]verifyItem, 0, 16),
		workers:   workers,
	}
}

func (v *ed25519BatchVerifier) Add(message []byte, signature []byte, signer uint16) {
	v.items = append(v.items, verifyItem{
		message:   message,
		signature: signature,
		signer:    signer,
	})
}

func (v *ed25519BatchVerifier) Verify() error {
	if len(v.items) == 0 {
		return nil
	}

	// For small batches, verify sequentially
	if len(v.items) <= 2 {
		for _, item := range v.items {
			pubKey, err := v.committee.Key(item.signer)
			if err != nil {
				return err
			}
			if !pubKey.Verify(item.message, item.signature) {
				return &SignatureError{Signer: item.signer}
			}
		}
		return nil
	}

	// For larger batches, verify in parallel
	type result struct {
		index uint16
		err   error
	}

	results := make(chan result, len(v.items))
	var wg sync.WaitGroup

	// Create work channel
	work := make(chan verifyItem, len(v.items))
	for _, item := range v.items {
		work <- item
	}
	close(work)

	// Start workers
	numWorkers := v.workers
	if numWorkers > len(v.items) {
		numWorkers = len(v.items)
	}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				pubKey, err := v.committee.Key(item.signer)
				if err != nil {
					results <- result{index: item.signer, err: err}
					continue
				}
				if !pubKey.Verify(item.message, item.signature) {
					results <- result{index: item.signer, err: &SignatureError{Signer: item.signer}}
				}
			}
		}()
	}

	// Wait for all workers and close results
	go func() {
		wg.Wait()
		close(results)
	}()

	// Check for any errors
	for res := range results {
		if res.err != nil {
			return res.err
		}
	}

	return nil
}

func (v *ed25519BatchVerifier) Reset() {
	v.items = v.items[:0]
}

// blsBatchVerifier implements BatchVerifier for BLS using the provided BLSBatchVerifier.
type blsBatchVerifier struct {
	committee *Committee
	batcher   BLSBatchVerifier
	items     []verifyItem
}

// NewBLSBatchVerifier creates a batch verifier for BLS signatures.
func NewBLSBatchVerifier(committee *Committee, batcher BLSBatchVerifier) BatchVerifier {
	return &blsBatchVerifier{
		committee: committee,
		batcher:   batcher,
		items:     make([]verifyItem, 0, 16),
	}
}

func (v *blsBatchVerifier) Add(message []byte, signature []byte, signer uint16) {
	v.items = append(v.items, verifyItem{
		message:   message,
		signature: signature,
		signer:    signer,
	})
}

func (v *blsBatchVerifier) Verify() error {
	if len(v.items) == 0 {
		return nil
	}

	// Add all signatures to the BLS batch verifier
	for _, item := range v.items {
		pubKey, err := v.committee.Key(item.signer)
		if err != nil {
			return err
		}
		v.batcher.AddSignature(pubKey.Bytes(), item.message, item.signature)
	}

	// Perform batch verification
	if !v.batcher.VerifyBatch() {
		// Batch failed - fall back to individual verification to find the bad signature
		v.batcher.Reset()
		for _, item := range v.items {
			pubKey, _ := v.committee.Key(item.signer)
			if !pubKey.Verify(item.message, item.signature) {
				return &SignatureError{Signer: item.signer}
			}
		}
		// Shouldn't reach here, but return generic error
		return &SignatureError{Signer: 0}
	}

	return nil
}

func (v *blsBatchVerifier) Reset() {
	v.items = v.items[:0]
	v.batcher.Reset()
}

// Ed25519CryptoProvider implements CryptoProvider for Ed25519.
type Ed25519CryptoProvider struct {
	workers int
}

// NewEd25519CryptoProvider creates a crypto provider for Ed25519.
func NewEd25519CryptoProvider(workers int) *Ed25519CryptoProvider {
	if workers <= 0 {
		workers = 4
	}
	return &Ed25519CryptoProvider{workers: workers}
}

func (p *Ed25519CryptoProvider) Scheme() SignatureScheme {
	return SignatureSchemeEd25519
}

func (p *Ed25519CryptoProvider) NewBatchVerifier(committee *Committee) BatchVerifier {
	return NewEd25519BatchVerifier(committee, p.workers)
}

func (p *Ed25519CryptoProvider) SupportsAggregation() bool {
	return false
}

func (p *Ed25519CryptoProvider) Aggregator() BLSAggregator {
	return nil
}

// BLSCryptoProvider implements CryptoProvider for BLS.
type BLSCryptoProvider struct {
	batcherFactory func() BLSBatchVerifier
	aggregator     BLSAggregator
}

// NewBLSCryptoProvider creates a crypto provider for BLS.
// batcherFactory creates new BLSBatchVerifier instances.
// aggregator provides signature aggregation (optional, can be nil).
func NewBLSCryptoProvider(batcherFactory func() BLSBatchVerifier, aggregator BLSAggregator) *BLSCryptoProvider {
	return &BLSCryptoProvider{
		batcherFactory: batcherFactory,
		aggregator:     aggregator,
	}
}

func (p *BLSCryptoProvider) Scheme() SignatureScheme {
	return SignatureSchemeBLS
}

func (p *BLSCryptoProvider) NewBatchVerifier(committee *Committee) BatchVerifier {
	return NewBLSBatchVerifier(committee, p.batcherFactory())
}

func (p *BLSCryptoProvider) SupportsAggregation() bool {
	return p.aggregator != nil
}

func (p *BLSCryptoProvider) Aggregator() BLSAggregator {
	return p.aggregator
}

// SignatureCache caches verified signatures to avoid re-verification when the
// same certificate arrives over multiple paths. Backed by an LRU so hot
// certificates stay cached under sustained load. Thread-safe.
type SignatureCache struct {
	cache *lru.Cache
}

// NewSignatureCache creates a new signature cache holding up to maxSize
// verified (digest, signer) entries.
func NewSignatureCache(maxSize int) *SignatureCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	cache, _ := lru.New(maxSize)
	return &SignatureCache{cache: cache}
}

// cacheKey creates a cache key from the full digest and signer index.
func cacheKey(digest []byte, signer uint16) string {
	key := make([]byte, len(digest)+2)
	copy(key, digest)
	key[len(digest)] = byte(signer >> 8)
	key[len(digest)+1] = byte(signer)
	return string(key)
}

// IsVerified checks if a signature has been verified.
func (c *SignatureCache) IsVerified(digest []byte, signer uint16) bool {
	_, ok := c.cache.Get(cacheKey(digest, signer))
	return ok
}

// MarkVerified marks a signature as verified.
func (c *SignatureCache) MarkVerified(digest []byte, signer uint16) {
	c.cache.Add(cacheKey(digest, signer), struct{}{})
}

// Clear removes all cached entries.
func (c *SignatureCache) Clear() {
	c.cache.Purge()
}

// Size returns the number of cached entries.
func (c *SignatureCache) Size() int {
	return c.cache.Len()
}

// CachedBatchVerifier wraps a BatchVerifier with signature caching.
type CachedBatchVerifier struct {
	inner     BatchVerifier
	cache     *SignatureCache
	committee *Committee
	items     []cachedVerifyItem
}

type cachedVerifyItem struct {
	message   []byte
	signature []byte
	signer    uint16
	cached    bool
}

// NewCachedBatchVerifier wraps a batch verifier with caching.
func NewCachedBatchVerifier(inner BatchVerifier, cache *SignatureCache, committee *Committee) *CachedBatchVerifier {
	return &CachedBatchVerifier{
		inner:     inner,
		cache:     cache,
		committee: committee,
		items:     make([]cachedVerifyItem, 0, 16),
	}
}

func (v *CachedBatchVerifier) Add(message []byte, signature []byte, signer uint16) {
	cached := v.cache.IsVerified(message, signer)
	v.items = append(v.items, cachedVerifyItem{
		message:   message,
		signature: signature,
		signer:    signer,
		cached:    cached,
	})

	// Only add uncached items to inner verifier
	if !cached {
		v.inner.Add(message, signature, signer)
	}
}

func (v *CachedBatchVerifier) Verify() error {
	// Verify uncached items
	if err := v.inner.Verify(); err != nil {
		return err
	}

	// Cache newly verified signatures
	for _, item := range v.items {
		if !item.cached {
			v.cache.MarkVerified(item.message, item.signer)
		}
	}

	return nil
}

func (v *CachedBatchVerifier) Reset() {
	v.items = v.items[:0]
	v.inner.Reset()
}
