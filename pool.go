package bullshark

import (
	"sync"
)

// ByteSlicePool recycles byte buffers between wire encodes so steady-state
// framing does not allocate per message.
type ByteSlicePool struct {
	pool sync.Pool
	size int
}

// NewByteSlicePool creates a pool whose buffers start at the given capacity.
func NewByteSlicePool(defaultSize int) *ByteSlicePool {
	return &ByteSlicePool{
		size: defaultSize,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, 0, defaultSize)
				return &b
			},
		},
	}
}

// Get retrieves a buffer from the pool, reset to zero length.
func (p *ByteSlicePool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// Put returns a buffer to the pool. Buffers that shrank below the pool's
// default capacity are discarded rather than recycled.
func (p *ByteSlicePool) Put(b *[]byte) {
	if cap(*b) >= p.size {
		p.pool.Put(b)
	}
}
