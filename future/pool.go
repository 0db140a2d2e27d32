// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package future

import (
	"sync"
	"sync/atomic"
)

// A Pool rents pending futures of type T and takes them back when their
// results are consumed. The zero Pool is ready for use, but must not be copied
// after first use.
//
// When the pool has no idle cells it allocates a new one, so Get never blocks
// or fails.
type Pool[T any] struct {
	p sync.Pool

	rented    atomic.Int64
	recycled  atomic.Int64
	allocated atomic.Int64
}

// Get rents a pending future from p.
func (p *Pool[T]) Get() Future[T] {
	c, _ := p.p.Get().(*cell[T])
	if c == nil {
		c = &cell[T]{pool: p}
		p.allocated.Add(1)
	}
	c.μ.Lock()
	c.free = false
	gen := c.gen
	c.μ.Unlock()
	p.rented.Add(1)
	return Future[T]{c: c, gen: gen}
}

func (p *Pool[T]) put(c *cell[T]) {
	p.recycled.Add(1)
	p.p.Put(c)
}

// PoolStats is a snapshot of pool activity counters.
type PoolStats struct {
	Rented    int64 // futures handed out by Get
	Recycled  int64 // futures returned by consuming their result
	Allocated int64 // cells allocated because the pool was empty
}

// Outstanding reports the number of rented futures not yet consumed.
func (s PoolStats) Outstanding() int64 { return s.Rented - s.Recycled }

// Stats returns a snapshot of the activity counters for p.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Rented:    p.rented.Load(),
		Recycled:  p.recycled.Load(),
		Allocated: p.allocated.Load(),
	}
}
