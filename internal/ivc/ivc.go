// Package ivc implements the cross-VM shared-memory connector: a PCI
// device per connection, with an event-page BAR0 and a shared-frame-backed
// data BAR1, per spec §4.6.
package ivc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/sel4vm/internal/debug"
	"github.com/tinyrange/sel4vm/internal/kernel"
	"github.com/tinyrange/sel4vm/internal/pci"
)

// ErrConnectionLimit is returned once 32 connections are live, per spec
// §4.6's "an upper bound of 32 concurrent connections applies".
var ErrConnectionLimit = errors.New("ivc: connection limit of 32 reached")

const (
	maxConnections = 32
	frameSize      = 4096

	eventOffsetEmit           = 0
	eventOffsetConsumeCounter = 4
	eventOffsetName           = 8

	ivcVendorID = 0x1AF4
	ivcDeviceID = 0x1110
)

// EmitFunc is the embedder's handler for a guest write to the event page's
// offset 0.
type EmitFunc func()

// IRQAllocator allocates the one IRQ number shared by every connection,
// called at most once regardless of how many connections are created.
type IRQAllocator func() (uint32, error)

// InjectFunc raises a given IRQ line.
type InjectFunc func(irq uint32) error

// Manager owns the connection registry and the once-allocated shared IRQ.
type Manager struct {
	mu           sync.Mutex
	allocateIRQ  IRQAllocator
	inject       InjectFunc
	irq          uint32
	irqAllocated bool
	connections  []*Connection
}

// NewManager creates a Manager that lazily allocates its IRQ via
// allocateIRQ and raises it via inject.
func NewManager(allocateIRQ IRQAllocator, inject InjectFunc) *Manager {
	return &Manager{allocateIRQ: allocateIRQ, inject: inject}
}

// NewConnection creates a connection named name, backed by frames (BAR1's
// contents), rejecting once the 32-connection cap is reached.
func (m *Manager) NewConnection(name string, emit EmitFunc, frames []kernel.Frame) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.connections) >= maxConnections {
		return nil, ErrConnectionLimit
	}
	if !m.irqAllocated {
		irq, err := m.allocateIRQ()
		if err != nil {
			return nil, fmt.Errorf("ivc: allocate shared irq: %w", err)
		}
		m.irq = irq
		m.irqAllocated = true
	}

	barSize := barSizeFor(len(frames))
	c := &Connection{
		name:    name,
		emit:    emit,
		inject:  m.inject,
		irq:     m.irq,
		frames:  frames,
		barSize: barSize,
	}
	m.connections = append(m.connections, c)
	debug.Writef("ivc.manager", "new connection %q irq=%d bar_size=%#x frames=%d", name, m.irq, barSize, len(frames))
	return c, nil
}

// barSizeFor rounds up to a power of two at least as large as both the
// event page and the shared data region, since the two BARs are declared
// with equal size per spec §4.6.
func barSizeFor(numFrames int) uint64 {
	dataSize := uint64(numFrames) * frameSize
	size := uint64(frameSize)
	for size < dataSize {
		size <<= 1
	}
	return size
}

// Connection is one cross-VM shared-memory channel.
type Connection struct {
	mu             sync.Mutex
	name           string
	emit           EmitFunc
	inject         InjectFunc
	irq            uint32
	consumeCounter uint32
	frames         []kernel.Frame
	barSize        uint64
}

// IRQ returns the connection's shared IRQ line.
func (c *Connection) IRQ() uint32 { return c.irq }

// BARSize returns the size (identical for both BARs) of this connection's
// PCI device.
func (c *Connection) BARSize() uint64 { return c.barSize }

// ConsumeConnectionEvent increments the consume-event counter visible at
// BAR0 offset 4 and, if injectIRQ is set, raises the connection's shared
// IRQ line. This is the embedder-driven half of the event page.
func (c *Connection) ConsumeConnectionEvent(eventID uint32, injectIRQ bool) error {
	c.mu.Lock()
	c.consumeCounter++
	irq := c.irq
	c.mu.Unlock()
	debug.Writef("ivc.connection", "%s: consume event %d inject=%v", c.name, eventID, injectIRQ)
	if injectIRQ && c.inject != nil {
		return c.inject(irq)
	}
	return nil
}

// ReadEventBAR services a guest read from BAR0.
func (c *Connection) ReadEventBAR(offset uint64, size uint8) (uint64, error) {
	switch {
	case offset == eventOffsetConsumeCounter:
		c.mu.Lock()
		v := c.consumeCounter
		c.mu.Unlock()
		return uint64(v), nil
	case offset >= eventOffsetName:
		var v uint64
		for i := uint8(0); i < size; i++ {
			v |= uint64(c.nameByte(offset-eventOffsetName+uint64(i))) << (8 * i)
		}
		return v, nil
	default:
		return 0, nil
	}
}

func (c *Connection) nameByte(i uint64) byte {
	if i < uint64(len(c.name)) {
		return c.name[i]
	}
	return 0
}

// WriteEventBAR services a guest write to BAR0. Only offset 0 (emit) has a
// guest-visible effect; the consume-counter and name are host-owned.
func (c *Connection) WriteEventBAR(offset uint64, size uint8, value uint64) error {
	if offset == eventOffsetEmit && c.emit != nil {
		c.emit()
	}
	return nil
}

// FrameAt returns the shared frame backing BAR1 at pageOffset.
func (c *Connection) FrameAt(pageOffset uint64) (kernel.Frame, bool) {
	if pageOffset >= uint64(len(c.frames)) {
		return kernel.Frame{}, false
	}
	return c.frames[pageOffset], true
}

// FrameIterator yields BAR1's shared frames in page order, for
// memory.Manager.MapReservation to install BAR1's mapping.
func (c *Connection) FrameIterator() kernel.FrameIterator {
	return &frameIterator{c: c}
}

type frameIterator struct {
	c   *Connection
	idx int
}

func (it *frameIterator) Next() (kernel.Frame, error) {
	if it.idx >= len(it.c.frames) {
		return kernel.Frame{}, nil
	}
	f := it.c.frames[it.idx]
	it.idx++
	return f, nil
}

type configSpace struct{ c *Connection }

func (cs configSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if offset == 0x00 {
		return uint32(ivcVendorID) | uint32(ivcDeviceID)<<16, nil
	}
	return 0, nil
}

func (cs configSpace) WriteConfig(offset uint16, size uint8, value uint32) error { return nil }

// ConfigSpace implements pci.Endpoint.
func (c *Connection) ConfigSpace() pci.ConfigSpace { return configSpace{c} }

// OnBARReprogram implements pci.Endpoint; both BARs are fixed-size and
// carry no device-side base bookkeeping of their own.
func (c *Connection) OnBARReprogram(index int, value uint32) error { return nil }

var _ pci.Endpoint = (*Connection)(nil)
