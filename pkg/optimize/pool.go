package optimize

import (
	"sync"
)

// MaxPacketSize fits any RTP packet that arrives over a typical MTU.
const MaxPacketSize = 1500

// BytePool hands out fixed-size byte slices.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get returns a slice of exactly the pool size.
func (p *BytePool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put returns b to the pool. Slices smaller than the pool size are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *BytePool) Size() int { return p.size }
