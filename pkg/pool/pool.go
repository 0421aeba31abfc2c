// Package pool hands out reusable copy buffers. Archive builds running on
// several monitor workers share one pool instead of one buffer each.
package pool

import (
	"io"
	"sync"
)

// CopyBuffers is a sync.Pool of equally sized byte slices. It is safe for
// concurrent use.
type CopyBuffers struct {
	size int
	pool sync.Pool
}

// NewCopyBuffers creates a pool of size-byte buffers.
func NewCopyBuffers(size int) *CopyBuffers {
	cb := &CopyBuffers{size: size}
	cb.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return cb
}

// Size returns the length of the pooled buffers.
func (cb *CopyBuffers) Size() int { return cb.size }

func (cb *CopyBuffers) Get() *[]byte {
	return cb.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers of a foreign size are dropped.
func (cb *CopyBuffers) Put(b *[]byte) {
	if b == nil || cap(*b) != cb.size {
		return
	}
	*b = (*b)[:cb.size]
	cb.pool.Put(b)
}

// Copy is io.CopyBuffer with a pooled buffer.
func (cb *CopyBuffers) Copy(dst io.Writer, src io.Reader) (int64, error) {
	b := cb.Get()
	defer cb.Put(b)
	return io.CopyBuffer(dst, src, *b)
}
