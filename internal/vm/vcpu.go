package vm

import (
	"github.com/tinyrange/sel4vm/internal/fault"
	"github.com/tinyrange/sel4vm/internal/kernel"
)

// VCPU is one kernel-scheduled vCPU: its capability handle, the lazy
// Fault object covering its current exit (if any), and the bootargs/
// online bookkeeping PSCI CPU_ON and the x86 SIPI trampoline mutate.
type VCPU struct {
	vm     *VM
	id     int
	handle kernel.VCPUHandle
	badge  uint32

	target int // physical cpu id; -1 means unassigned

	online bool
	halted bool

	// pc/ppc/entryInterruptInfo are published to the kernel on the next
	// VMEnter; SetRegister on Fault does not touch them directly.
	pc                 uint64
	ppc                uint64
	entryInterruptInfo uint64

	flt *fault.Fault
}

// VM returns the owning VM.
func (c *VCPU) VM() *VM { return c.vm }

// ID returns this vCPU's 0-based index within its VM.
func (c *VCPU) ID() int { return c.id }

// Handle returns the kernel-level vCPU capability handle.
func (c *VCPU) Handle() kernel.VCPUHandle { return c.handle }

// Badge returns the notification badge this vCPU's kernel object was
// created with (vcpu_id + 1).
func (c *VCPU) Badge() uint32 { return c.badge }

// Target returns the physical CPU id this vCPU is assigned to, or -1 if
// unassigned.
func (c *VCPU) Target() int { return c.target }

// Online reports whether vcpu_start has been called for this vCPU.
func (c *VCPU) Online() bool { return c.online }

// Halted reports whether a HLT (or WFI-with-nothing-pending) exit left
// this vCPU parked.
func (c *VCPU) Halted() bool { return c.halted }

// Fault returns the Fault object covering the vCPU's current exit. It is
// only valid to call between a fault-class exit being dispatched and the
// vCPU being resumed.
func (c *VCPU) Fault() *fault.Fault { return c.flt }

// SetHalted parks or un-parks the vCPU. The flag is bookkeeping only:
// Dispatcher.Run does not read it and enters a halted vCPU like any other.
func (c *VCPU) SetHalted(halted bool) { c.halted = halted }

// SetPC sets the program counter the next VMEnter will publish.
func (c *VCPU) SetPC(pc uint64) { c.pc = pc }

// PC returns the program counter the next VMEnter will publish.
func (c *VCPU) PC() uint64 { return c.pc }

// SetEntryInterruptInfo records the interrupt-injection word the next
// VMEnter will publish (x86 PENDING_INTERRUPT delivery, cleared once
// consumed by setting it back to 0).
func (c *VCPU) SetEntryInterruptInfo(info uint64) { c.entryInterruptInfo = info }

// Start implements vcpu_start: marks the vCPU online and sets its entry
// PC, then performs the architecture-specific register setup the caller
// supplies (MPIDR on ARM, protected/long mode selectors on x86) via
// setup, if non-nil.
func (c *VCPU) Start(entry uint64, setup func(c *VCPU) error) error {
	c.pc = entry
	if setup != nil {
		if err := setup(c); err != nil {
			return err
		}
	}
	c.online = true
	c.halted = false
	return nil
}

// ensureFault lazily creates this vCPU's Fault object on first exit.
func (c *VCPU) ensureFault() *fault.Fault {
	if c.flt == nil {
		c.flt = fault.New(c.vm.kern, c.handle)
	}
	return c.flt
}
