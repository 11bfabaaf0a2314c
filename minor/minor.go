// Package minor allocates the small identifiers that distinguish instances
// sharing one driver.
//
// A [Pool] hands out the lowest free number in [0, capacity). It is not
// synchronized; the driver registry serializes access under its own lock.
package minor

import (
	"fmt"
	"math/bits"

	"github.com/ardnew/softreg/pkg"
)

// Minor identifies one live device instance.
type Minor int

// String returns the decimal form used in entry point names.
func (m Minor) String() string {
	return fmt.Sprintf("%d", int(m))
}

// DefaultCapacity is the pool size used when none is configured.
const DefaultCapacity = 32

// MaxCapacity bounds the pool size.
const MaxCapacity = 256

// Pool is a fixed-capacity set of minor numbers.
type Pool struct {
	used  []uint64 // bitmap, bit set = allocated
	cap   int
	count int
}

// New returns a pool of the given capacity.
// It panics if capacity is outside [1, MaxCapacity].
func New(capacity int) *Pool {
	if capacity < 1 || capacity > MaxCapacity {
		panic(fmt.Sprintf("minor: capacity %d out of range [1, %d]", capacity, MaxCapacity))
	}
	return &Pool{
		used: make([]uint64, (capacity+63)/64),
		cap:  capacity,
	}
}

// Allocate returns the lowest free minor, or [pkg.ErrPoolExhausted].
func (p *Pool) Allocate() (Minor, error) {
	if p.count == p.cap {
		return 0, pkg.ErrPoolExhausted
	}
	for w, word := range p.used {
		if word == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^word)
		n := w*64 + b
		if n >= p.cap {
			break
		}
		p.used[w] |= 1 << b
		p.count++
		return Minor(n), nil
	}
	// count < cap guarantees a free bit below cap.
	panic("minor: bitmap inconsistent with count")
}

// Free returns m to the pool.
// Freeing a minor that is out of range or not allocated is a programming
// error and panics.
func (p *Pool) Free(m Minor) {
	if !p.valid(m) {
		panic(fmt.Sprintf("minor: free of out-of-range minor %d", m))
	}
	w, b := int(m)/64, uint(m)%64
	if p.used[w]&(1<<b) == 0 {
		panic(fmt.Sprintf("minor: free of unallocated minor %d", m))
	}
	p.used[w] &^= 1 << b
	p.count--
}

// InUse reports whether m is currently allocated.
func (p *Pool) InUse(m Minor) bool {
	if !p.valid(m) {
		return false
	}
	return p.used[int(m)/64]&(1<<(uint(m)%64)) != 0
}

// Len returns the number of allocated minors.
func (p *Pool) Len() int { return p.count }

// Cap returns the pool capacity.
func (p *Pool) Cap() int { return p.cap }

func (p *Pool) valid(m Minor) bool {
	return m >= 0 && int(m) < p.cap
}
