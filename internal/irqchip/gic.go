// Package irqchip implements the virtual interrupt controllers: an ARM
// GICv2 distributor plus per-vCPU list-register bookkeeping, and an x86
// local APIC with ExtINT/PIC coupling.
package irqchip

import (
	"fmt"
	"sync"

	"github.com/tinyrange/sel4vm/internal/debug"
	"github.com/tinyrange/sel4vm/internal/kernel"
)

// AckFunc is invoked when a vCPU interface write acknowledges (EOIs) the
// list register an injected IRQ occupied.
type AckFunc func()

// irqHandle is (virq-number, ack-function, opaque cookie), held in the
// per-vCPU SGI/PPI table (virq < 32) or the global SPI table.
type irqHandle struct {
	virq   uint32
	ack    AckFunc
	cookie any
}

// overflowCapacity bounds the per-vCPU circular overflow FIFO, grounded
// on libsel4vm's lr_overflow array (MAX_LR_OVERFLOW).
const overflowCapacity = 64

// overflow is a bounded circular FIFO of injections that could not fit
// the kernel's list-register window, grounded directly on
// vgic.c's struct lr_of / vgic_add_overflow_cpu / vgic_handle_overflow_cpu.
type overflow struct {
	irqs [overflowCapacity]irqHandle
	head int
	tail int
	full bool
}

func nextIdx(i int) int {
	if i == overflowCapacity-1 {
		return 0
	}
	return i + 1
}

func (o *overflow) push(h irqHandle) error {
	if o.full {
		return fmt.Errorf("irqchip: overflow FIFO full, too many pending IRQs")
	}
	idx := o.tail
	o.irqs[idx] = h
	o.full = o.head == nextIdx(o.tail)
	if !o.full {
		o.tail = nextIdx(idx)
	}
	return nil
}

// drain attempts to inject every queued IRQ via tryInject, advancing
// head past each one that succeeds and stopping at the first failure
// (mirrors vgic_handle_overflow_cpu's snapshot-then-drain loop, which
// does not reprocess IRQs queued during the drain itself).
func (o *overflow) drain(tryInject func(irqHandle) bool) {
	tail := o.tail
	for i := o.head; i != tail; i = nextIdx(i) {
		if !tryInject(o.irqs[i]) {
			break
		}
		o.head = nextIdx(i)
		o.full = o.head == nextIdx(o.tail)
	}
}

// listRegisters models one vCPU's kernel list-register window: a
// fixed-size array of in-flight virq handles, one per hardware slot.
type listRegisters struct {
	lrs      []*irqHandle
	overflow overflow
}

func newListRegisters(numLR int) *listRegisters {
	return &listRegisters{lrs: make([]*irqHandle, numLR)}
}

func (l *listRegisters) freeSlot() int {
	for i, h := range l.lrs {
		if h == nil {
			return i
		}
	}
	return -1
}

// GIC is the GICv2 distributor plus per-vCPU list-register state for
// every vCPU registered with it.
type GIC struct {
	mu   sync.Mutex
	kern kernel.Kernel

	distEnabled bool
	pending     map[uint32]bool
	enabledIRQ  map[uint32]map[kernel.VCPUHandle]bool

	sgiPPI map[kernel.VCPUHandle]map[uint32]*irqHandle
	spi    map[uint32]*irqHandle

	vcpus     map[kernel.VCPUHandle]*listRegisters
	vcpuOrder []kernel.VCPUHandle // registration order, for SGIR's target-list bit index
}

// NewGIC creates an empty GICv2 distributor bound to kern for IRQ
// injection.
func NewGIC(kern kernel.Kernel) *GIC {
	return &GIC{
		kern:       kern,
		pending:    make(map[uint32]bool),
		enabledIRQ: make(map[uint32]map[kernel.VCPUHandle]bool),
		sgiPPI:     make(map[kernel.VCPUHandle]map[uint32]*irqHandle),
		spi:        make(map[uint32]*irqHandle),
		vcpus:      make(map[kernel.VCPUHandle]*listRegisters),
	}
}

// AddVCPU registers vcpu with the distributor, giving it numLR kernel
// list-register slots.
func (g *GIC) AddVCPU(vcpu kernel.VCPUHandle, numLR int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vcpus[vcpu] = newListRegisters(numLR)
	g.sgiPPI[vcpu] = make(map[uint32]*irqHandle)
	g.vcpuOrder = append(g.vcpuOrder, vcpu)
}

// SetDistributorEnabled implements a GICD_CTLR write.
func (g *GIC) SetDistributorEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.distEnabled = enabled
}

// RegisterIRQ allocates a handle for virq: virq < 32 goes in vcpu's
// SGI/PPI slot; otherwise it is inserted into the global SPI table
// (rejecting an occupied slot).
func (g *GIC) RegisterIRQ(vcpu kernel.VCPUHandle, virq uint32, ack AckFunc, cookie any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := &irqHandle{virq: virq, ack: ack, cookie: cookie}
	if virq < 32 {
		table, ok := g.sgiPPI[vcpu]
		if !ok {
			return fmt.Errorf("irqchip: unknown vcpu %d", vcpu)
		}
		table[virq] = h
		return nil
	}
	if _, occupied := g.spi[virq]; occupied {
		return fmt.Errorf("irqchip: spi slot %d already occupied", virq)
	}
	g.spi[virq] = h
	return nil
}

func (g *GIC) lookupHandle(vcpu kernel.VCPUHandle, virq uint32) *irqHandle {
	if virq < 32 {
		return g.sgiPPI[vcpu][virq]
	}
	return g.spi[virq]
}

// SetEnabled implements an ISENABLER/ICENABLER write for virq on vcpu.
func (g *GIC) SetEnabled(vcpu kernel.VCPUHandle, virq uint32, enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.enabledIRQ[virq]
	if !ok {
		set = make(map[kernel.VCPUHandle]bool)
		g.enabledIRQ[virq] = set
	}
	set[vcpu] = enabled
}

func (g *GIC) isEnabled(vcpu kernel.VCPUHandle, virq uint32) bool {
	return g.enabledIRQ[virq][vcpu]
}

// InjectIRQ sets the distributor pending bit for virq on vcpu; if the
// distributor is enabled, the IRQ is enabled on that vCPU and a list
// register is free, it injects directly through the kernel, otherwise
// it is appended to that vCPU's overflow FIFO.
func (g *GIC) InjectIRQ(vcpu kernel.VCPUHandle, virq uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	h := g.lookupHandle(vcpu, virq)
	if h == nil {
		return fmt.Errorf("irqchip: virq %d not registered on vcpu %d", virq, vcpu)
	}
	g.pending[virq] = true

	lr, ok := g.vcpus[vcpu]
	if !ok {
		return fmt.Errorf("irqchip: vcpu %d not added to GIC", vcpu)
	}

	if g.distEnabled && g.isEnabled(vcpu, virq) {
		if slot := lr.freeSlot(); slot >= 0 {
			return g.injectDirect(vcpu, lr, slot, h)
		}
	}

	debug.Writef("irqchip.gic", "overflow: virq=%d vcpu=%d", virq, vcpu)
	return lr.overflow.push(*h)
}

func (g *GIC) injectDirect(vcpu kernel.VCPUHandle, lr *listRegisters, slot int, h *irqHandle) error {
	if err := g.kern.InjectIRQ(vcpu, h.virq, slot); err != nil {
		return err
	}
	lr.lrs[slot] = h
	return nil
}

// Maintenance is called when the kernel delivers a vgic-maintenance
// fault for list register idx on vcpu: the register is acknowledged
// (pending cleared, stored ack invoked), then the overflow FIFO drains.
func (g *GIC) Maintenance(vcpu kernel.VCPUHandle, idx int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	lr, ok := g.vcpus[vcpu]
	if !ok {
		return fmt.Errorf("irqchip: vcpu %d not added to GIC", vcpu)
	}
	if idx < 0 || idx >= len(lr.lrs) {
		return fmt.Errorf("irqchip: list register index %d out of range", idx)
	}
	h := lr.lrs[idx]
	if h != nil {
		delete(g.pending, h.virq)
		if h.ack != nil {
			h.ack()
		}
		lr.lrs[idx] = nil
	}

	lr.overflow.drain(func(oh irqHandle) bool {
		slot := lr.freeSlot()
		if slot < 0 {
			return false
		}
		return g.injectDirect(vcpu, lr, slot, &oh) == nil
	})
	return nil
}

// TargetFilter decodes an SGIR write's target-list filter.
type TargetFilter int

const (
	TargetListed TargetFilter = iota
	TargetAllOthers
	TargetSelf
)

// HandleSGIR decodes an SGIR write's filter and CPU target mask, then
// injects virq on every matching online vCPU of the VM (excluding the
// issuing vCPU for TargetAllOthers).
func (g *GIC) HandleSGIR(issuer kernel.VCPUHandle, virq uint32, filter TargetFilter, targetMask uint8, online []kernel.VCPUHandle) error {
	for i, vcpu := range online {
		switch filter {
		case TargetSelf:
			if vcpu != issuer {
				continue
			}
		case TargetAllOthers:
			if vcpu == issuer {
				continue
			}
		case TargetListed:
			if targetMask&(1<<uint(i)) == 0 {
				continue
			}
		}
		if err := g.InjectIRQ(vcpu, virq); err != nil {
			return err
		}
	}
	return nil
}

// GICv2 distributor register offsets within its 4 KiB memory-mapped
// page, per spec §4.4's offset-range list.
const (
	gicdCTLR  = 0x000
	gicdTYPER = 0x004

	gicdISENABLERBase = 0x100
	gicdISENABLEREnd  = 0x17C
	gicdICENABLERBase = 0x180
	gicdICENABLEREnd  = 0x1FC
	gicdISPENDRBase   = 0x200
	gicdISPENDREnd    = 0x27C
	gicdICPENDRBase   = 0x280
	gicdICPENDREnd    = 0x2FC

	gicdSGIR = 0xF00
)

func inOffsetRange(offset, base, end uint32) bool { return offset >= base && offset <= end }

// ReadRegister decodes a load from the distributor's register page at
// offset, issued by vcpu.
func (g *GIC) ReadRegister(vcpu kernel.VCPUHandle, offset uint32) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case offset == gicdCTLR:
		if g.distEnabled {
			return 1, nil
		}
		return 0, nil
	case offset == gicdTYPER:
		return 0, nil
	case inOffsetRange(offset, gicdISENABLERBase, gicdISENABLEREnd):
		return g.enableWord(vcpu, offset-gicdISENABLERBase), nil
	case inOffsetRange(offset, gicdICENABLERBase, gicdICENABLEREnd):
		return g.enableWord(vcpu, offset-gicdICENABLERBase), nil
	case inOffsetRange(offset, gicdISPENDRBase, gicdISPENDREnd):
		return g.pendingWord(offset - gicdISPENDRBase), nil
	case inOffsetRange(offset, gicdICPENDRBase, gicdICPENDREnd):
		return g.pendingWord(offset - gicdICPENDRBase), nil
	default:
		// Priority, targeting, active-state, edge/level config and the
		// ID registers are not separately modeled: IRQ routing goes
		// through InjectIRQ's vcpu argument directly and active state
		// lives in the kernel's list registers, so these ranges read
		// back zero rather than tracking redundant state.
		return 0, nil
	}
}

// enableWord reports the 32 ISENABLER/ICENABLER bits covering virqs
// [wordBase, wordBase+32) for vcpu; both registers alias the same
// enabled-bit state and differ only in what a 1 bit means on a write.
func (g *GIC) enableWord(vcpu kernel.VCPUHandle, byteOffset uint32) uint32 {
	wordBase := (byteOffset / 4) * 32
	var word uint32
	for bit := uint32(0); bit < 32; bit++ {
		if g.isEnabled(vcpu, wordBase+bit) {
			word |= 1 << bit
		}
	}
	return word
}

func (g *GIC) pendingWord(byteOffset uint32) uint32 {
	wordBase := (byteOffset / 4) * 32
	var word uint32
	for bit := uint32(0); bit < 32; bit++ {
		if g.pending[wordBase+bit] {
			word |= 1 << bit
		}
	}
	return word
}

// WriteRegister decodes a store to the distributor's register page at
// offset, attributing ISENABLER/ICENABLER/ISPENDR/SGIR writes to the
// issuing vcpu the way spec §4.4 describes the distributor's memory
// reservation: "read- and write-handlers that switch on offset ranges".
func (g *GIC) WriteRegister(vcpu kernel.VCPUHandle, offset uint32, value uint32) error {
	switch {
	case offset == gicdCTLR:
		g.SetDistributorEnabled(value&1 != 0)
		return nil
	case offset == gicdTYPER:
		return nil
	case inOffsetRange(offset, gicdISENABLERBase, gicdISENABLEREnd):
		g.writeEnableWord(vcpu, offset-gicdISENABLERBase, value, true)
		return nil
	case inOffsetRange(offset, gicdICENABLERBase, gicdICENABLEREnd):
		g.writeEnableWord(vcpu, offset-gicdICENABLERBase, value, false)
		return nil
	case inOffsetRange(offset, gicdISPENDRBase, gicdISPENDREnd):
		return g.writeSetPendingWord(vcpu, offset-gicdISPENDRBase, value)
	case inOffsetRange(offset, gicdICPENDRBase, gicdICPENDREnd):
		// Software pend-clear is not separately modeled: Maintenance
		// already clears the distributor's pending bit once the kernel
		// acknowledges the list register.
		return nil
	case offset == gicdSGIR:
		return g.writeSGIR(vcpu, value)
	default:
		return nil
	}
}

func (g *GIC) writeEnableWord(vcpu kernel.VCPUHandle, byteOffset uint32, value uint32, enable bool) {
	wordBase := (byteOffset / 4) * 32
	for bit := uint32(0); bit < 32; bit++ {
		if value&(1<<bit) != 0 {
			g.SetEnabled(vcpu, wordBase+bit, enable)
		}
	}
}

func (g *GIC) writeSetPendingWord(vcpu kernel.VCPUHandle, byteOffset uint32, value uint32) error {
	wordBase := (byteOffset / 4) * 32
	for bit := uint32(0); bit < 32; bit++ {
		if value&(1<<bit) == 0 {
			continue
		}
		if err := g.InjectIRQ(vcpu, wordBase+bit); err != nil {
			return err
		}
	}
	return nil
}

// writeSGIR decodes an SGIR write's filter, CPU target list, and INTID
// per the GICv2 SGIR layout (bits[25:24] filter, bits[23:16] target
// list, bits[3:0] INTID) and dispatches it through HandleSGIR against
// the distributor's registration-ordered vCPU list.
func (g *GIC) writeSGIR(issuer kernel.VCPUHandle, value uint32) error {
	virq := value & 0xF
	filter := TargetFilter((value >> 24) & 0x3)
	targetMask := uint8((value >> 16) & 0xFF)
	g.mu.Lock()
	online := append([]kernel.VCPUHandle(nil), g.vcpuOrder...)
	g.mu.Unlock()
	return g.HandleSGIR(issuer, virq, filter, targetMask, online)
}
