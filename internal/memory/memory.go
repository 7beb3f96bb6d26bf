// Package memory implements the guest-physical address-space manager: an
// interval tree of reservations, anonymous sub-allocated regions, a
// sorted/coalesced RAM vector, and the ram_touch scratch-mapping
// primitive used to read or write guest memory from the host.
package memory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/tinyrange/sel4vm/internal/debug"
	"github.com/tinyrange/sel4vm/internal/kernel"
)

// ErrOverlap is returned when a reservation would overlap an existing one.
var ErrOverlap = errors.New("memory: reservation overlaps an existing one")

// ErrNotFound is returned when an address does not fall inside any
// reservation.
var ErrNotFound = errors.New("memory: no reservation at address")

// Kind distinguishes a regular reservation from a sub-slot carved out of
// an anonymous region.
type Kind int

const (
	KindRegular Kind = iota
	KindAnonSlot
	KindRAM
)

// FaultCallback handles a fault that lands inside a mapped reservation.
// It returns FaultResult classifying what the dispatcher should do next.
type FaultCallback func(vcpu any, guestAddr uint64, size uint32, cookie any) FaultResult

// FaultResult mirrors the exit-handler return vocabulary used throughout
// the runtime: HANDLED resumes the guest, UNHANDLED falls through to the
// embedder, RESTART re-enters the same instruction, ERROR is fatal.
type FaultResult int

const (
	FaultHandled FaultResult = iota
	FaultUnhandled
	FaultRestart
	FaultError
)

// Reservation is an interval [Start, Start+Size) in the guest physical
// address space.
type Reservation struct {
	Start    uint64
	Size     uint64
	Kind     Kind
	FaultCB  FaultCallback
	Cookie   any
	mapped   bool
	iterator kernel.FrameIterator

	// region is non-nil when Kind == KindAnonSlot: the parent anonymous
	// region this slot was carved from.
	region *anonRegion
}

func (r *Reservation) End() uint64 { return r.Start + r.Size }

// contains reports whether [addr, addr+size) lies entirely within r.
func (r *Reservation) contains(addr uint64, size uint64) bool {
	return addr >= r.Start && addr+size <= r.End()
}

// overlaps reports whether r and the interval [start, start+size) share
// any address.
func (r *Reservation) overlaps(start, size uint64) bool {
	end := start + size
	return start < r.End() && end > r.Start
}

// Less implements btree.LessFunc ordering reservations by start address.
// Overlapping intervals compare equal, so a Get with a probe interval
// finds any reservation it overlaps; ReserveMemoryAt and MemoryMakeAnon
// use that check to reject overlap before inserting.
func reservationLess(a, b *Reservation) bool {
	if a.overlaps(b.Start, b.Size) {
		return false
	}
	return a.Start < b.Start
}

// anonRegion is a reservation-sized interval partitioned into
// back-to-back sub-reservations, allocated strictly forward; freed
// sub-slots are never reused.
type anonRegion struct {
	base   uint64
	size   uint64
	cursor uint64
}

// RAMRegion is one interval of the VM's coalesced RAM vector.
type RAMRegion struct {
	Start     uint64
	Size      uint64
	Allocated bool
}

func (r RAMRegion) End() uint64 { return r.Start + r.Size }

// Manager owns the reservation tree, anonymous regions, and RAM vector
// for one VM.
type Manager struct {
	kern  kernel.Kernel
	tree  *btree.BTreeG[*Reservation]
	ram   []RAMRegion
	anons []*anonRegion
}

// NewManager creates an empty memory manager bound to kern for frame
// mapping.
func NewManager(kern kernel.Kernel) *Manager {
	return &Manager{
		kern: kern,
		tree: btree.NewG(32, reservationLess),
	}
}

// ReserveMemoryAt allocates a reservation on [addr, addr+size), rejecting
// on overlap with any existing reservation.
func (m *Manager) ReserveMemoryAt(addr, size uint64, faultCB FaultCallback, cookie any) (*Reservation, error) {
	r := &Reservation{Start: addr, Size: size, Kind: KindRegular, FaultCB: faultCB, Cookie: cookie}
	if _, found := m.tree.Get(r); found {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, addr, addr+size)
	}
	m.tree.ReplaceOrInsert(r)
	return r, nil
}

// MemoryMakeAnon converts the interval [addr, addr+size) into an
// anonymous pool that ReserveAnonMemory can carve sub-slots from. The
// interval must not already be reserved.
func (m *Manager) MemoryMakeAnon(addr, size uint64) (*anonRegion, error) {
	probe := &Reservation{Start: addr, Size: size}
	if _, found := m.tree.Get(probe); found {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOverlap, addr, addr+size)
	}
	region := &anonRegion{base: addr, size: size}
	m.anons = append(m.anons, region)
	return region, nil
}

// ReserveAnonMemory carves a sub-slot of size bytes out of region,
// starting at the region's cursor rounded up to align; slots are
// allocated strictly forward.
func (m *Manager) ReserveAnonMemory(region *anonRegion, size, align uint64, faultCB FaultCallback, cookie any) (*Reservation, uint64, error) {
	if align == 0 {
		align = 1
	}
	base := region.base + region.cursor
	pad := uint64(0)
	if rem := base % align; rem != 0 {
		pad = align - rem
	}
	start := base + pad
	if start+size > region.base+region.size {
		return nil, 0, fmt.Errorf("%w: anon region exhausted", ErrOverlap)
	}
	region.cursor = (start - region.base) + size

	r := &Reservation{Start: start, Size: size, Kind: KindAnonSlot, FaultCB: faultCB, Cookie: cookie, region: region}
	m.tree.ReplaceOrInsert(r)
	return r, start, nil
}

// FreeReservedMemory unmaps r's frames and removes it from the tree.
// Anonymous sub-slots cannot be freed (spec: "Anon sub-slots cannot be
// freed").
func (m *Manager) FreeReservedMemory(r *Reservation) error {
	if r.Kind == KindAnonSlot {
		return fmt.Errorf("memory: anonymous sub-slots cannot be freed")
	}
	if r.mapped {
		if err := m.kern.UnmapFrame(r.Start, sizeBitsFor(r.Size)); err != nil {
			return err
		}
	}
	m.tree.Delete(r)
	return nil
}

// MapReservation either maps every frame the iterator yields immediately,
// or (if defer_ is true) records the iterator for on-demand mapping at
// first fault.
func (m *Manager) MapReservation(r *Reservation, iter kernel.FrameIterator, defer_ bool) error {
	if defer_ {
		r.iterator = iter
		return nil
	}
	return m.drainIterator(r, iter)
}

func (m *Manager) drainIterator(r *Reservation, iter kernel.FrameIterator) error {
	for {
		f, err := iter.Next()
		if err != nil {
			return err
		}
		if f.Cap == 0 {
			break
		}
		if err := m.kern.MapFrame(f.GuestPhysAddr, f); err != nil {
			return err
		}
	}
	r.mapped = true
	r.iterator = nil
	return nil
}

// MemoryHandleFault is the core lookup-and-dispatch entry point every
// fault decoder calls once it has decoded a guest-physical address and
// access size.
func (m *Manager) MemoryHandleFault(vcpu any, addr uint64, size uint32) FaultResult {
	probe := &Reservation{Start: addr, Size: uint64(size)}
	r, found := m.tree.Get(probe)
	if !found {
		return FaultUnhandled
	}
	if !r.contains(addr, uint64(size)) {
		debug.Writef("memory.fault", "access [%#x,+%d) not fully contained in reservation [%#x,%#x)", addr, size, r.Start, r.End())
		return FaultError
	}
	if !r.mapped {
		if r.iterator == nil {
			return FaultError
		}
		if err := m.drainIterator(r, r.iterator); err != nil {
			debug.Writef("memory.fault", "deferred map failed: %v", err)
			return FaultError
		}
		return FaultRestart
	}
	if r.FaultCB == nil {
		return FaultUnhandled
	}
	return r.FaultCB(vcpu, addr, size, r.Cookie)
}

// RAMRegisterAt reserves and maps [start, start+size) with allocated
// frames supplied by frames, and folds the interval into the sorted
// coalesced RAM vector. The default RAM fault callback always returns
// ERROR, matching the spec's "RAM should never itself fault" invariant.
func (m *Manager) RAMRegisterAt(start, size uint64, frames kernel.FrameIterator) (*Reservation, error) {
	r, err := m.ReserveMemoryAt(start, size, ramFaultCallback, nil)
	if err != nil {
		return nil, err
	}
	if err := m.drainIterator(r, frames); err != nil {
		return nil, err
	}
	r.Kind = KindRAM
	m.insertRAM(RAMRegion{Start: start, Size: size, Allocated: true})
	return r, nil
}

func ramFaultCallback(vcpu any, guestAddr uint64, size uint32, cookie any) FaultResult {
	return FaultError
}

// insertRAM inserts region into the sorted vector and coalesces it with
// any adjacent region sharing the same Allocated flag.
func (m *Manager) insertRAM(region RAMRegion) {
	idx := sort.Search(len(m.ram), func(i int) bool { return m.ram[i].Start >= region.Start })
	m.ram = append(m.ram, RAMRegion{})
	copy(m.ram[idx+1:], m.ram[idx:])
	m.ram[idx] = region
	m.coalesceRAM()
}

func (m *Manager) coalesceRAM() {
	if len(m.ram) < 2 {
		return
	}
	out := m.ram[:1]
	for _, r := range m.ram[1:] {
		last := &out[len(out)-1]
		if last.Allocated == r.Allocated && last.End() == r.Start {
			last.Size += r.Size
			continue
		}
		out = append(out, r)
	}
	m.ram = out
}

// RAM returns a snapshot of the current coalesced RAM vector.
func (m *Manager) RAM() []RAMRegion {
	out := make([]RAMRegion, len(m.ram))
	copy(out, m.ram)
	return out
}

// TouchCallback is invoked once per 4 KiB-aligned chunk by RAMTouch.
type TouchCallback func(guestPAddr uint64, hostBuf []byte, offset uint64, cookie any) error

const pageSize = 4096

// RAMTouch splits [addr, addr+size) on 4 KiB boundaries, scratch-maps
// each guest page, and invokes callback with the host-visible bytes for
// that chunk. It is the primitive image loading, boot-param writes, and
// vring descriptor/data I/O all go through.
//
// The scratch mapping here is a direct byte-slice view into the guest's
// backing store (accessed through the Kernel's Frame bookkeeping is out
// of band for this package); concrete embedders back guest RAM with a
// single host mapping and pass it in via Backing.
func (m *Manager) RAMTouch(backing []byte, ramBase uint64, addr, size uint64, cb TouchCallback, cookie any) error {
	end := addr + size
	for cur := addr; cur < end; {
		pageEnd := (cur/pageSize + 1) * pageSize
		if pageEnd > end {
			pageEnd = end
		}
		chunkLen := pageEnd - cur
		off := cur - ramBase
		if off+chunkLen > uint64(len(backing)) {
			return fmt.Errorf("memory: ram_touch out of bounds at %#x", cur)
		}
		if err := cb(cur, backing[off:off+chunkLen], cur-addr, cookie); err != nil {
			return err
		}
		cur = pageEnd
	}
	return nil
}

func sizeBitsFor(size uint64) uint32 {
	bits := uint32(0)
	for (uint64(1) << bits) < size {
		bits++
	}
	return bits
}

var _ btree.LessFunc[*Reservation] = reservationLess
