// Package vm ties the kernel capability contract, the architecture fault
// decoders, the guest memory manager, and the virtual interrupt
// controllers together into the VM/vCPU lifecycle and exit dispatch loop
// of spec.md §4.1: vm_init/vm_create_vcpu/vm_assign_vcpu_target/
// vcpu_start/vm_run.
package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/sel4vm/internal/debug"
	"github.com/tinyrange/sel4vm/internal/kernel"
	"github.com/tinyrange/sel4vm/internal/memory"
)

// ErrVCPULimit is returned by CreateVCPU once a VM's configured maximum
// vCPU count is reached.
var ErrVCPULimit = errors.New("vm: per-vm vcpu maximum reached")

// ErrTargetTaken is returned by AssignVCPUTarget when another vCPU of the
// same VM already targets the requested physical CPU id.
var ErrTargetTaken = errors.New("vm: physical cpu already targeted by another vcpu")

// ErrVMHalted mirrors the teacher's hv.ErrVMHalted: a vCPU exited via HLT/
// shutdown and the dispatch loop should stop cleanly rather than treat it
// as a failure.
var ErrVMHalted = errors.New("vm: virtual machine halted")

// ErrGuestRequestedReboot is returned by the dispatch loop when the guest
// issued PSCI SYSTEM_RESET (ARMHandlers); no x86 exit handler returns it.
var ErrGuestRequestedReboot = errors.New("vm: guest requested reboot")

// Callbacks are the embedder hooks run at each lifecycle point, mirroring
// the teacher's hv.VMCallbacks so devices can be attached without
// subclassing VM.
type Callbacks interface {
	OnCreateVM(v *VM) error
	OnCreateVMWithMemory(v *VM) error
	OnCreateVCPU(vcpu *VCPU) error
}

// SimpleCallbacks is a function-valued Callbacks, grounded on the
// teacher's hv.SimpleVMConfig pattern: embedders set only the hooks they
// need, the rest default to no-ops.
type SimpleCallbacks struct {
	CreateVM           func(v *VM) error
	CreateVMWithMemory func(v *VM) error
	CreateVCPU         func(vcpu *VCPU) error
}

func (c SimpleCallbacks) OnCreateVM(v *VM) error {
	if c.CreateVM != nil {
		return c.CreateVM(v)
	}
	return nil
}

func (c SimpleCallbacks) OnCreateVMWithMemory(v *VM) error {
	if c.CreateVMWithMemory != nil {
		return c.CreateVMWithMemory(v)
	}
	return nil
}

func (c SimpleCallbacks) OnCreateVCPU(vcpu *VCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vcpu)
	}
	return nil
}

var _ Callbacks = SimpleCallbacks{}

// Config is the fixed, repeatedly-readable configuration a VM is created
// from, mirroring the teacher's hv.VMConfig.
type Config struct {
	MaxVCPUs   int
	MemorySize uint64
	MemoryBase uint64
	Callbacks  Callbacks
}

// VM is one guest virtual machine: its backing kernel, its memory
// manager, and the vCPUs created against it.
type VM struct {
	mu sync.Mutex

	kern   kernel.Kernel
	mem    *memory.Manager
	config Config

	vcpus   []*VCPU
	targets map[int]*VCPU // physical cpu id -> assigned vcpu
}

// New allocates a VM in the "initialised but not runnable" state:
// vm_init, followed immediately by OnCreateVM/OnCreateVMWithMemory since
// this runtime always creates a VM with its memory manager attached.
func New(kern kernel.Kernel, config Config) (*VM, error) {
	if config.Callbacks == nil {
		config.Callbacks = SimpleCallbacks{}
	}
	v := &VM{
		kern:    kern,
		mem:     memory.NewManager(kern),
		config:  config,
		targets: make(map[int]*VCPU),
	}
	if err := config.Callbacks.OnCreateVM(v); err != nil {
		return nil, fmt.Errorf("vm: OnCreateVM: %w", err)
	}
	if err := config.Callbacks.OnCreateVMWithMemory(v); err != nil {
		return nil, fmt.Errorf("vm: OnCreateVMWithMemory: %w", err)
	}
	return v, nil
}

// Kernel returns the backing capability-kernel contract.
func (v *VM) Kernel() kernel.Kernel { return v.kern }

// Memory returns the guest memory manager.
func (v *VM) Memory() *memory.Manager { return v.mem }

// VCPUs returns every vCPU created on this VM, in creation order.
func (v *VM) VCPUs() []*VCPU {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*VCPU, len(v.vcpus))
	copy(out, v.vcpus)
	return out
}

// CreateVCPU implements vm_create_vcpu: fails once MaxVCPUs is reached,
// allocates the kernel vCPU object with badge = vcpu_id+1, and returns a
// disabled, unassigned vCPU.
func (v *VM) CreateVCPU() (*VCPU, error) {
	v.mu.Lock()
	if v.config.MaxVCPUs > 0 && len(v.vcpus) >= v.config.MaxVCPUs {
		v.mu.Unlock()
		return nil, ErrVCPULimit
	}
	id := len(v.vcpus)
	v.mu.Unlock()

	badge := uint32(id) + 1
	h, err := v.kern.CreateVCPU(badge)
	if err != nil {
		return nil, fmt.Errorf("vm: create vcpu %d: %w", id, err)
	}

	vc := &VCPU{
		vm:     v,
		id:     id,
		handle: h,
		badge:  badge,
		target: -1,
	}

	v.mu.Lock()
	v.vcpus = append(v.vcpus, vc)
	v.mu.Unlock()

	debug.Writef("vm.CreateVCPU", "created vcpu %d, badge=%d", id, badge)

	if err := v.config.Callbacks.OnCreateVCPU(vc); err != nil {
		return nil, fmt.Errorf("vm: OnCreateVCPU: %w", err)
	}
	return vc, nil
}

// AssignVCPUTarget implements vm_assign_vcpu_target: idempotent-with-
// error, rejecting assignment if another vCPU of the same VM already
// targets physicalCPUID.
func (v *VM) AssignVCPUTarget(vcpu *VCPU, physicalCPUID int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.targets[physicalCPUID]; ok && existing != vcpu {
		return ErrTargetTaken
	}
	if vcpu.target >= 0 && vcpu.target != physicalCPUID {
		delete(v.targets, vcpu.target)
	}
	vcpu.target = physicalCPUID
	v.targets[physicalCPUID] = vcpu
	return nil
}

// lookupByTarget returns the vCPU currently assigned to physicalCPUID, if
// any.
func (v *VM) lookupByTarget(physicalCPUID int) (*VCPU, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	vc, ok := v.targets[physicalCPUID]
	return vc, ok
}

// MemResolver adapts v's memory manager to MemFaultResolver, for
// installing as UnhandledMemoryFault's resolve argument.
func (v *VM) MemResolver() MemFaultResolver {
	return func(c *VCPU, guestAddr uint64, size uint32) int {
		return int(v.mem.MemoryHandleFault(c, guestAddr, size))
	}
}

// UnhandledMemoryFault resolves a decoded memory abort against the
// reservation tree. A device's FaultCallback receives the vCPU as its
// vcpu argument and is expected to type-assert it back to *VCPU, read
// Fault.Data()/PendingRegister() for the value or destination a write/
// read needs, and call Fault.FaultEmulate itself for a read before
// returning; this function only translates the reservation tree's
// verdict into a dispatch Action. It is meant to be installed as a
// Dispatcher's OnUnhandledFault alongside an ARMHandlers/X86Handlers
// FaultHandlerFunc, both of which always return ActionUnhandled for a
// memory abort.
func UnhandledMemoryFault(resolve MemFaultResolver) FaultHandlerFunc {
	return func(c *VCPU, msg kernel.FaultMessage) (Action, error) {
		f := c.Fault()
		return memFaultResultToAction(resolve(c, f.GuestPhysAddr(), f.Width())), nil
	}
}

// freeVCPU returns the first created vCPU with no physical CPU target
// assigned yet, used by PSCI CPU_ON / the x86 SIPI trampoline to pick a
// secondary to bring up.
func (v *VM) freeVCPU() (*VCPU, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, vc := range v.vcpus {
		if vc.target < 0 {
			return vc, true
		}
	}
	return nil, false
}
