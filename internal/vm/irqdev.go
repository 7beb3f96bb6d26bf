package vm

import (
	"github.com/tinyrange/sel4vm/internal/irqchip"
	"github.com/tinyrange/sel4vm/internal/kernel"
	"github.com/tinyrange/sel4vm/internal/memory"
)

// Platform-fixed MMIO bases for the virtual interrupt controllers,
// matching the addresses a minimal guest's device tree (ARM) or
// IA32_APIC_BASE reset value (x86) would describe them at.
const (
	// GICDistributorBase is the GICv2 distributor's 4 KiB register page,
	// at the same address QEMU's "virt" machine places it.
	GICDistributorBase = 0x0800_0000
	gicdPageSize        = 0x1000

	// LAPICBase is the x86 local APIC's 4 KiB register page, the
	// architectural IA32_APIC_BASE reset address.
	LAPICBase     = 0xFEE0_0000
	lapicPageSize = 0x1000
)

// emptyFrameIterator terminates on its first call, letting
// memory.Manager.MapReservation mark a reservation mapped without
// backing it with any real guest frame. A pure emulation register page
// is fully intercepted by its FaultCallback before any access would
// reach a backing frame, so there is nothing for a frame iterator to
// yield.
type emptyFrameIterator struct{}

func (emptyFrameIterator) Next() (kernel.Frame, error) { return kernel.Frame{}, nil }

// RegisterGICDistributor reserves the GICv2 distributor's register page
// in mem at base and routes every trapped access to g, the way spec
// §4.4 describes the ARM distributor: "a memory reservation with read-
// and write-handlers that switch on offset ranges".
func RegisterGICDistributor(mem *memory.Manager, g *irqchip.GIC, base uint64) (*memory.Reservation, error) {
	r, err := mem.ReserveMemoryAt(base, gicdPageSize, gicDistributorFaultCB(g, base), nil)
	if err != nil {
		return nil, err
	}
	if err := mem.MapReservation(r, emptyFrameIterator{}, false); err != nil {
		return nil, err
	}
	return r, nil
}

func gicDistributorFaultCB(g *irqchip.GIC, base uint64) memory.FaultCallback {
	return func(vcpu any, guestAddr uint64, size uint32, cookie any) memory.FaultResult {
		c, ok := vcpu.(*VCPU)
		if !ok {
			return memory.FaultError
		}
		f := c.Fault()
		offset := uint32(guestAddr - base)
		if f.IsWrite() {
			if err := g.WriteRegister(c.Handle(), offset, uint32(f.Data())); err != nil {
				return memory.FaultError
			}
			return memory.FaultHandled
		}
		value, err := g.ReadRegister(c.Handle(), offset)
		if err != nil {
			return memory.FaultError
		}
		if err := f.FaultEmulate(f.PendingRegister(), uint64(value)); err != nil {
			return memory.FaultError
		}
		return memory.FaultHandled
	}
}

// RegisterLAPICPage reserves the local APIC's register page in mem at
// base, routing every trapped access to the faulting vCPU's own LAPIC:
// each vCPU's APIC is a distinct device mapped at the same guest
// address, per spec §3's per-vCPU LAPIC data model.
func RegisterLAPICPage(mem *memory.Manager, lapics *irqchip.LAPICSet, base uint64) (*memory.Reservation, error) {
	r, err := mem.ReserveMemoryAt(base, lapicPageSize, lapicPageFaultCB(lapics, base), nil)
	if err != nil {
		return nil, err
	}
	if err := mem.MapReservation(r, emptyFrameIterator{}, false); err != nil {
		return nil, err
	}
	return r, nil
}

func lapicPageFaultCB(lapics *irqchip.LAPICSet, base uint64) memory.FaultCallback {
	return func(vcpu any, guestAddr uint64, size uint32, cookie any) memory.FaultResult {
		c, ok := vcpu.(*VCPU)
		if !ok {
			return memory.FaultError
		}
		l, ok := lapics.Get(c.Handle())
		if !ok {
			return memory.FaultError
		}
		f := c.Fault()
		offset := uint32(guestAddr - base)
		if f.IsWrite() {
			if err := l.WriteRegister(offset, uint32(f.Data())); err != nil {
				return memory.FaultError
			}
			return memory.FaultHandled
		}
		value, err := l.ReadRegister(offset)
		if err != nil {
			return memory.FaultError
		}
		if err := f.FaultEmulate(f.PendingRegister(), uint64(value)); err != nil {
			return memory.FaultError
		}
		return memory.FaultHandled
	}
}
