// Package dma implements a small first-fit allocator over a set of
// host-backed memory pools, used to hand out page-aligned scratch buffers
// for virtio descriptor rings and other device-model bounce memory that
// must live at a stable address for the lifetime of a guest I/O operation.
package dma

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned when an allocation cannot be satisfied and no
// Morecore function is installed, or Morecore itself fails.
var ErrOutOfMemory = errors.New("dma: out of memory")

// DefaultAlign is the minimum alignment applied to every allocation,
// regardless of the alignment requested by the caller.
const DefaultAlign = 32

// MorecoreFunc supplies a fresh backing pool when the allocator has
// exhausted every pool it already owns. It returns the pool's base
// address, its size, and an opaque cookie the caller may use to release
// it later (unused by this package, carried for symmetry with callers
// that manage host allocations themselves).
type MorecoreFunc func(size int) (base uintptr, poolSize int, cookie any, err error)

// region is one span of a pool: either free or allocated. Regions form a
// singly linked, offset-ordered list per pool; adjacent free regions are
// compacted back into one on free.
type region struct {
	pool      *pool
	offset    int
	allocated bool
	next      *region
}

type pool struct {
	base   uintptr
	size   int
	cookie any
	head   *region
	next   *pool
}

func (p *pool) regionSize(r *region) int {
	if r.next == nil {
		return p.size - r.offset
	}
	return r.next.offset - r.offset
}

// Allocation identifies one allocated span, returned by Alloc and
// consumed by Free.
type Allocation struct {
	region *region
}

// Addr returns the host virtual address of the allocation.
func (a Allocation) Addr() uintptr {
	return a.region.pool.base + uintptr(a.region.offset)
}

// Allocator is a first-fit allocator over zero or more host-backed pools.
// It is not safe for concurrent use; callers that share an Allocator
// across goroutines must serialize access themselves.
type Allocator struct {
	morecore MorecoreFunc
	pools    *pool
}

// New creates an Allocator with no pools. morecore may be nil, in which
// case Provide must be called directly to add backing memory.
func New(morecore MorecoreFunc) *Allocator {
	return &Allocator{morecore: morecore}
}

// Provide adds a pool of host-backed memory the allocator may carve
// allocations from.
func (a *Allocator) Provide(base uintptr, size int, cookie any) {
	p := &pool{base: base, size: size, cookie: cookie, next: a.pools}
	p.head = &region{pool: p, offset: 0}
	a.pools = p
}

func compact(r *region) {
	for r.next != nil && !r.next.allocated {
		r.next = r.next.next
	}
}

func firstFitIn(p *pool, size, align int) *region {
	for r := p.head; r != nil; r = r.next {
		if r.allocated {
			continue
		}
		compact(r)

		addr := int(p.base) + r.offset
		pad := 0
		if rem := addr % align; rem != 0 {
			pad = align - rem
		}
		avail := p.regionSize(r)
		if avail <= pad {
			continue
		}
		if avail-pad < size {
			continue
		}

		r.offset += pad
		if p.regionSize(r) > size {
			split := &region{pool: p, offset: r.offset + size, next: r.next}
			r.next = split
		}
		r.allocated = true
		return r
	}
	return nil
}

// Alloc returns size bytes aligned to at least align (DefaultAlign is
// used if align is smaller). It tries every existing pool first-fit
// before calling Morecore for a fresh pool.
func (a *Allocator) Alloc(size, align int) (Allocation, error) {
	if align < DefaultAlign {
		align = DefaultAlign
	}

	for p := a.pools; p != nil; p = p.next {
		if r := firstFitIn(p, size, align); r != nil {
			return Allocation{region: r}, nil
		}
	}

	if a.morecore == nil {
		return Allocation{}, fmt.Errorf("%w: no morecore installed", ErrOutOfMemory)
	}
	base, poolSize, cookie, err := a.morecore(size)
	if err != nil {
		return Allocation{}, fmt.Errorf("%w: morecore: %v", ErrOutOfMemory, err)
	}
	a.Provide(base, poolSize, cookie)
	if r := firstFitIn(a.pools, size, align); r != nil {
		return Allocation{region: r}, nil
	}
	return Allocation{}, fmt.Errorf("%w: morecore pool too small for %d bytes", ErrOutOfMemory, size)
}

// Free releases an allocation, coalescing it with any adjacent free
// region.
func (a *Allocator) Free(alloc Allocation) {
	r := alloc.region
	if r == nil {
		return
	}
	r.allocated = false
	compact(r)
}

// Reclaim removes the first pool that has gone entirely unused (one free
// region spanning the whole pool) and returns its cookie, so the caller
// can release the backing host memory. It returns false if no pool is
// currently fully free.
func (a *Allocator) Reclaim() (cookie any, ok bool) {
	var prev *pool
	for p := a.pools; p != nil; p = p.next {
		compact(p.head)
		if !p.head.allocated && p.head.next == nil {
			if prev == nil {
				a.pools = p.next
			} else {
				prev.next = p.next
			}
			return p.cookie, true
		}
		prev = p
	}
	return nil, false
}
