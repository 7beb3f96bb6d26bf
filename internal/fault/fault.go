// Package fault implements the per-vCPU Fault object: a lazy snapshot of
// vCPU state around one guest exit, plus the ARM and x86 architecture
// decoders that populate it.
package fault

import (
	"fmt"

	"github.com/tinyrange/sel4vm/internal/kernel"
)

// content bits track which Fault fields have been fetched from the
// kernel (valid), locally changed and not yet synced (modified), or are
// deliberately left unknown for this exit.
type content uint32

const (
	contentRegs content = 1 << iota
	contentData
	contentInst
	contentWidth
	contentStage
)

// Direction is the decoded access direction for a memory fault.
type Direction int

const (
	DirUnknown Direction = iota
	DirRead
	DirWrite
)

// Fault is a lazy snapshot of one vCPU's state around a single guest
// exit. Fields are only fetched from the kernel when first read; `stage`
// tracks multi-word accesses (LDRD/STRD) that execute as two logical
// halves sharing one Fault object. stage == 0 iff the fault is fully
// handled, and no modified field may survive a resume.
type Fault struct {
	kern kernel.Kernel
	vcpu kernel.VCPUHandle

	content content
	stage   int

	regs [32]uint64

	ip         uint64
	guestPAddr uint64
	statusWord uint32
	width      uint32
	direction  Direction
	data       uint64 // read-data to emulate into guest, or write-data from guest
	pendingReg int     // destination register for a read fault's FaultEmulate, set by the decoder
	modified   map[kernel.Register]uint64
}

// New builds a Fault bound to one vCPU's backing kernel object. No
// kernel invocation happens until a field is first read.
func New(kern kernel.Kernel, vcpu kernel.VCPUHandle) *Fault {
	return &Fault{kern: kern, vcpu: vcpu, modified: make(map[kernel.Register]uint64)}
}

// Reset clears a Fault for reuse on the next exit, keeping the
// kernel/vcpu binding.
func (f *Fault) Reset() {
	f.content = 0
	f.stage = 0
	f.data = 0
	f.direction = DirUnknown
	f.modified = make(map[kernel.Register]uint64)
}

// Stage returns the multi-stage counter; 0 means the fault is fully
// handled.
func (f *Fault) Stage() int { return f.stage }

// AdvanceStage moves to the next logical half of a multi-word access.
func (f *Fault) AdvanceStage() { f.stage++ }

// CompleteStage marks the fault fully handled.
func (f *Fault) CompleteStage() { f.stage = 0 }

// IP returns the faulting instruction address.
func (f *Fault) IP() uint64 { return f.ip }

// SetIP records the faulting instruction address (set by the decoder
// from the kernel's fault message, not re-fetched).
func (f *Fault) SetIP(ip uint64) { f.ip = ip }

// GuestPhysAddr returns the faulting guest-physical address (stage-2 /
// EPT).
func (f *Fault) GuestPhysAddr() uint64 { return f.guestPAddr }

func (f *Fault) SetGuestPhysAddr(addr uint64) { f.guestPAddr = addr }

func (f *Fault) StatusWord() uint32     { return f.statusWord }
func (f *Fault) SetStatusWord(w uint32) { f.statusWord = w }

func (f *Fault) Width() uint32     { return f.width }
func (f *Fault) SetWidth(w uint32) { f.width = w; f.content |= contentWidth }

func (f *Fault) Direction() Direction     { return f.direction }
func (f *Fault) SetDirection(d Direction) { f.direction = d }

func (f *Fault) IsWrite() bool { return f.direction == DirWrite }
func (f *Fault) IsRead() bool  { return f.direction == DirRead }

// Register reads a general-purpose register, fetching the full set from
// the kernel on first access.
func (f *Fault) Register(idx int) (uint64, error) {
	if f.content&contentRegs == 0 {
		if err := f.fetchRegs(); err != nil {
			return 0, err
		}
	}
	if idx < 0 || idx >= len(f.regs) {
		return 0, fmt.Errorf("fault: register index %d out of range", idx)
	}
	return f.regs[idx], nil
}

// SetRegister marks a register modified; it is not written back to the
// kernel until Sync.
func (f *Fault) SetRegister(idx int, value uint64) error {
	if idx < 0 || idx >= len(f.regs) {
		return fmt.Errorf("fault: register index %d out of range", idx)
	}
	f.regs[idx] = value
	f.modified[kernel.Register(idx)] = value
	return nil
}

func (f *Fault) fetchRegs() error {
	for i := range f.regs {
		v, err := f.kern.GetRegister(f.vcpu, kernel.Register(i))
		if err != nil {
			return err
		}
		f.regs[i] = v
	}
	f.content |= contentRegs
	return nil
}

// SetPendingRegister records which register a subsequent FaultEmulate
// should target, for a read-direction memory abort whose data is not yet
// available at decode time (it arrives once the owning device's
// FaultCallback runs).
func (f *Fault) SetPendingRegister(idx int) { f.pendingReg = idx }

// PendingRegister returns the register index SetPendingRegister last
// recorded.
func (f *Fault) PendingRegister() int { return f.pendingReg }

// Data returns the value FaultGetData most recently captured from a
// write fault's source register.
func (f *Fault) Data() uint64 { return f.data }

// FaultGetData reads the source register regIdx for a write fault from
// the cached register set (via Register) and records it as Data. It does
// not look at the processor mode: a banked register of a non-User/System
// mode is not read through a separate vCPU-register invocation.
func (f *Fault) FaultGetData(regIdx int) (uint64, error) {
	v, err := f.Register(regIdx)
	if err != nil {
		return 0, err
	}
	f.data = v
	f.content |= contentData
	return v, nil
}

// FaultEmulate masks value into the destination register for a read
// fault, accounting for byte-within-word shift and access width.
func (f *Fault) FaultEmulate(regIdx int, value uint64) error {
	shift := (f.guestPAddr & 0x3) * 8
	widthMask := uint64(1)<<(8*f.width) - 1
	masked := (value >> shift) & widthMask

	cur, err := f.Register(regIdx)
	if err != nil {
		return err
	}
	merged := (cur &^ widthMask) | masked
	return f.SetRegister(regIdx, merged)
}

// Sync propagates every modified field back to the kernel before resume.
// No modified field may survive a call to Sync.
func (f *Fault) Sync() error {
	for reg, val := range f.modified {
		if err := f.kern.SetRegister(f.vcpu, reg, val); err != nil {
			return err
		}
	}
	f.modified = make(map[kernel.Register]uint64)
	return nil
}
