// Package virtio implements the vring transport, legacy PCI config-space
// registers, and net/console device models for emulated virtio devices
// (spec §4.5).
package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// GuestMemory is the read/write view of guest physical memory a VirtQueue
// walks descriptor chains through. Nothing in internal/memory implements
// it; tests use a plain byte slice.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2

	virtqUsedFNoNotify   = 1
	virtqAvailFNoIntr    = 1
)

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Payload is one buffer in a descriptor chain, as handed to a device's
// notify/rx_complete handler.
type Payload struct {
	Addr    uint64
	Length  uint32
	IsWrite bool
}

// Queue is one vring (descriptor table + avail ring + used ring) plus the
// host-side cursors into it. A device owns two: RX=0, TX=1, per spec §4.5.
type Queue struct {
	DescTableAddr uint64
	AvailRingAddr uint64
	UsedRingAddr  uint64
	Size          uint16
	MaxSize       uint16
	Ready         bool

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// NewQueue creates a Queue bound to mem, with at most maxSize descriptors.
func NewQueue(mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{MaxSize: maxSize, mem: mem}
}

// Reset clears negotiated addresses and cursors, as the guest driver does
// across a device reset or a disable/re-enable cycle.
func (q *Queue) Reset() {
	q.Size = 0
	q.Ready = false
	q.DescTableAddr = 0
	q.AvailRingAddr = 0
	q.UsedRingAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetAddresses configures the guest-physical addresses of the three rings.
func (q *Queue) SetAddresses(descAddr, availAddr, usedAddr uint64) {
	q.DescTableAddr = descAddr
	q.AvailRingAddr = availAddr
	q.UsedRingAddr = usedAddr
}

// SetSize negotiates the queue's descriptor-table length.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 {
		return fmt.Errorf("virtio: queue size cannot be zero")
	}
	if size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d exceeds max %d", size, q.MaxSize)
	}
	q.Size = size
	return nil
}

// SetReady marks the queue usable; disabling it resets all cursors.
func (q *Queue) SetReady(ready bool) {
	q.Ready = ready
	if !ready {
		q.Reset()
	}
}

func (q *Queue) ensureReady() error {
	if !q.Ready || q.Size == 0 {
		return fmt.Errorf("virtio: queue not ready")
	}
	if q.mem == nil {
		return fmt.Errorf("virtio: no guest memory bound")
	}
	return nil
}

// ReadDescriptor reads descriptor idx from the descriptor table.
func (q *Queue) ReadDescriptor(idx uint16) (Descriptor, error) {
	if err := q.ensureReady(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtio: descriptor %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [16]byte
	if err := q.readInto(q.DescTableAddr+uint64(idx)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// AvailableBuffer returns the next unconsumed descriptor-chain head from the
// avail ring, if any.
func (q *Queue) AvailableBuffer() (head uint16, ok bool, err error) {
	if err := q.ensureReady(); err != nil {
		return 0, false, err
	}
	var hdr [4]byte
	if err := q.readInto(q.AvailRingAddr, hdr[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(hdr[2:4])
	if q.lastAvailIdx == availIdx {
		return 0, false, nil
	}
	var buf [2]byte
	ringOff := q.AvailRingAddr + 4 + uint64(q.lastAvailIdx%q.Size)*2
	if err := q.readInto(ringOff, buf[:]); err != nil {
		return 0, false, err
	}
	head = binary.LittleEndian.Uint16(buf[:])
	q.lastAvailIdx++
	return head, true, nil
}

// DescriptorChain walks the chain starting at head, returning one Payload
// per descriptor in order. A descriptor index repeated within the same
// chain terminates the walk early rather than looping, since a
// well-formed chain never revisits a descriptor and nothing else bounds
// a guest-controlled Next field.
func (q *Queue) DescriptorChain(head uint16) ([]Payload, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	payloads := make([]Payload, 0, 4)
	visited := make(map[uint16]bool, 4)
	idx := head
	for {
		if visited[idx] {
			return payloads, fmt.Errorf("virtio: descriptor chain revisits index %d", idx)
		}
		visited[idx] = true
		desc, err := q.ReadDescriptor(idx)
		if err != nil {
			return payloads, err
		}
		payloads = append(payloads, Payload{
			Addr:    desc.Addr,
			Length:  desc.Length,
			IsWrite: desc.Flags&virtqDescFWrite != 0,
		})
		if desc.Flags&virtqDescFNext == 0 {
			return payloads, nil
		}
		idx = desc.Next
	}
}

// PutUsedBuffer publishes a used-ring entry for the chain rooted at head,
// recording the total length written into it.
func (q *Queue) PutUsedBuffer(head uint16, length uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	base := q.UsedRingAddr + 4 + uint64(q.usedIdx%q.Size)*8
	if err := q.writeUint32(base, uint32(head)); err != nil {
		return err
	}
	if err := q.writeUint32(base+4, length); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeUint16(q.UsedRingAddr+2, q.usedIdx)
}

// ReadGuest copies length bytes from addr in guest memory.
func (q *Queue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest copies data into guest memory at addr.
func (q *Queue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeFrom(addr, data)
}

// guestOffset converts a guest-controlled address/length pair into an
// io.ReaderAt/io.WriterAt offset, rejecting an address or length large
// enough to overflow the signed int64 offset those interfaces take.
func guestOffset(addr uint64, length int) (int64, error) {
	if length < 0 {
		return 0, fmt.Errorf("virtio: negative length %d", length)
	}
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}

func (q *Queue) readInto(addr uint64, buf []byte) error {
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *Queue) writeFrom(addr uint64, data []byte) error {
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest write (want %d, got %d)", len(data), n)
	}
	return nil
}

func (q *Queue) writeUint16(addr uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return q.writeFrom(addr, buf[:])
}

func (q *Queue) writeUint32(addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return q.writeFrom(addr, buf[:])
}
