package bullshark

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Resolver maps validator indices to network addresses. The gateway consults
// it when dialing peers; address changes take effect on the next redial.
//
// Thread-safe for concurrent use.
type Resolver struct {
	mu        sync.RWMutex
	addresses map[uint16]string
	indices   map[string]uint16
	logger    *zap.Logger
}

// NewResolver creates a Resolver seeded with the given address book.
func NewResolver(addresses map[uint16]string, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		addresses: make(map[uint16]string, len(addresses)),
		indices:   make(map[string]uint16, len(addresses)),
		logger:    logger.With(zap.String("component", "resolver")),
	}
	for index, addr := range addresses {
		r.addresses[index] = addr
		r.indices[addr] = index
	}
	return r
}

// Resolve returns the address registered for a validator index.
func (r *Resolver) Resolve(index uint16) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, ok := r.addresses[index]
	if !ok {
		return "", fmt.Errorf("no address for validator %d: %w", index, ErrNotFound)
	}
	return addr, nil
}

// IndexOf returns the validator index registered for an address.
func (r *Resolver) IndexOf(address string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index, ok := r.indices[address]
	return index, ok
}

// Register adds or replaces the address for a validator index.
func (r *Resolver) Register(index uint16, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.addresses[index]; ok {
		delete(r.indices, old)
	}
	r.addresses[index] = address
	r.indices[address] = index

	r.logger.Debug("validator address registered",
		zap.Uint16("validator", index),
		zap.String("address", address))
}

// Deregister removes the address for a validator index.
func (r *Resolver) Deregister(index uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr, ok := r.addresses[index]; ok {
		delete(r.indices, addr)
		delete(r.addresses, index)

		r.logger.Debug("validator address deregistered",
			zap.Uint16("validator", index))
	}
}

// Addresses returns a copy of the full address book.
func (r *Resolver) Addresses() map[uint16]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint16]string, len(r.addresses))
	for index, addr := range r.addresses {
		out[index] = addr
	}
	return out
}

// Len returns the number of registered validators.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.addresses)
}
