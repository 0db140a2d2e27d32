// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package packet

import (
	"sync"
	"sync/atomic"
)

// A BufferPool recycles payload buffers for decoded frames. The zero value is
// ready for use. When the pool is empty, Get allocates.
type BufferPool struct {
	p         sync.Pool
	gets      atomic.Int64
	allocated atomic.Int64
	returned  atomic.Int64
}

// A Buffer is a byte slice borrowed from a [BufferPool].
type Buffer struct {
	b    []byte
	pool *BufferPool
	free atomic.Bool
}

// Get returns a buffer of length n.
func (p *BufferPool) Get(n int) *Buffer {
	p.gets.Add(1)
	if v, ok := p.p.Get().(*Buffer); ok && cap(v.b) >= n {
		v.b = v.b[:n]
		v.free.Store(false)
		return v
	}
	p.allocated.Add(1)
	return &Buffer{b: make([]byte, n), pool: p}
}

// Stats reports the number of buffers requested, allocated, and returned.
func (p *BufferPool) Stats() (gets, allocated, returned int64) {
	return p.gets.Load(), p.allocated.Load(), p.returned.Load()
}

// Bytes returns the contents of b. The slice must not be retained after b is
// released.
func (b *Buffer) Bytes() []byte { return b.b }

// Release returns b to its pool. Releasing a buffer twice panics.
func (b *Buffer) Release() {
	if !b.free.CompareAndSwap(false, true) {
		panic("packet: buffer released twice")
	}
	if b.pool != nil {
		b.pool.returned.Add(1)
		b.pool.p.Put(b)
	}
}
