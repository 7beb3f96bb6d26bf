package vm

import (
	"fmt"

	"github.com/tinyrange/sel4vm/internal/fault"
	"github.com/tinyrange/sel4vm/internal/irqchip"
	"github.com/tinyrange/sel4vm/internal/kernel"
)

// x86 GPR indices within Fault's flat register file, matching the VMX
// exit qualification encoding (CR_ACCESS's GPRNum, MOD R/M's reg field).
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRBX = 3
	regRSP = 4
	regRBP = 5
	regRSI = 6
	regRDI = 7
)

// entryInterruptInfoValid marks bit 31 of the interrupt-injection word as
// VMX's VM-entry interruption-information field does.
const entryInterruptInfoValid = 1 << 31

// MSRReadFunc returns the current value of an allowlisted MSR.
type MSRReadFunc func(msr uint32) uint64

// CRAccessHandler services a decoded CR_ACCESS exit. It is given full
// access to the faulting GPR file; CR0/CR3/CR4 shadow state (and the
// PG-toggle side effect of re-arming or disarming CR3 trapping, per
// spec) is the embedder's to keep, since the abstract Kernel contract
// does not expose control registers directly.
type CRAccessHandler func(c *VCPU, access fault.CRAccess) error

// X86Config bundles the tables and callbacks X86Handlers routes VMX
// exits through.
type X86Config struct {
	CPUID        CPUIDTable
	MSRAllowlist fault.MSRAllowlist
	MSRRead      MSRReadFunc
	VMCalls      fault.VMCallTable
	Ports        *IOPortSpace
	LAPICs       *irqchip.LAPICSet
	CRHandler    CRAccessHandler
}

// X86Handlers builds the FaultHandlerFunc spec §4.1 step 3 calls
// `x86_exit_handlers[reason]`.
func X86Handlers(cfg X86Config) FaultHandlerFunc {
	return func(c *VCPU, msg kernel.FaultMessage) (Action, error) {
		f := c.Fault()

		switch msg.Reason {
		case fault.ExitEPTViolation:
			f.SetGuestPhysAddr(msg.GuestPhys)
			regIdx := decodeEPTViolation(f, msg.Qualification)
			if f.IsWrite() {
				if _, err := f.FaultGetData(regIdx); err != nil {
					return ActionError, err
				}
			} else {
				f.SetPendingRegister(regIdx)
			}
			return ActionUnhandled, nil

		case fault.ExitCPUID:
			return handleCPUID(cfg.CPUID, f, msg)

		case fault.ExitCRAccess:
			access := fault.DecodeCRAccess(msg.Qualification)
			if cfg.CRHandler == nil {
				return ActionError, fmt.Errorf("vm: cr access trapped with no handler registered")
			}
			if err := cfg.CRHandler(c, access); err != nil {
				return ActionError, err
			}
			advanceIP(f, msg)
			return ActionHandled, nil

		case fault.ExitIOInstruction:
			return handleIOInstruction(cfg.Ports, f, msg)

		case fault.ExitMSRRead, fault.ExitMSRWrite:
			return handleMSR(cfg.MSRAllowlist, cfg.MSRRead, cfg.LAPICs, c, f, msg)

		case fault.ExitHLT:
			return handleHLT(c, f, msg)

		case fault.ExitPendingInterrupt:
			return handlePendingInterrupt(cfg.LAPICs, c)

		case fault.ExitVMCall:
			return handleVMCall(cfg.VMCalls, f, msg)

		case fault.ExitPreemptionTimer:
			advanceIP(f, msg)
			return ActionHandled, nil

		default:
			return ActionError, fmt.Errorf("vm: unrecognized x86 exit reason %d", msg.Reason)
		}
	}
}

// eptViolation width/register/direction bit layout: the backing kernel
// is responsible for recovering these from the trapping instruction (VMX
// gives no such decode for free, unlike IO_INSTRUCTION or ARM's HSR) and
// publishing them packed the same way ARM's HSR syndrome is, so one
// register/width/direction convention covers both architectures'
// FaultMessage.Qualification.
const (
	eptWidthShift = 22
	eptWidthMask  = 0x3
	eptRegShift   = 16
	eptRegMask    = 0xF
	eptWriteBit   = 1 << 6
)

func decodeEPTViolation(f *fault.Fault, qualification uint64) (regIdx int) {
	width := uint32(1) << ((qualification >> eptWidthShift) & eptWidthMask)
	f.SetWidth(width)
	if qualification&eptWriteBit != 0 {
		f.SetDirection(fault.DirWrite)
	} else {
		f.SetDirection(fault.DirRead)
	}
	return int((qualification >> eptRegShift) & eptRegMask)
}

func advanceIP(f *fault.Fault, msg kernel.FaultMessage) {
	f.SetIP(f.IP() + uint64(msg.InstrLen))
	f.CompleteStage()
}

func handleCPUID(table CPUIDTable, f *fault.Fault, msg kernel.FaultMessage) (Action, error) {
	eax, err := f.Register(regRAX)
	if err != nil {
		return ActionError, err
	}
	ecx, err := f.Register(regRCX)
	if err != nil {
		return ActionError, err
	}
	leaf := table.Query(uint32(eax), uint32(ecx))
	if err := f.SetRegister(regRAX, uint64(leaf.EAX)); err != nil {
		return ActionError, err
	}
	if err := f.SetRegister(regRBX, uint64(leaf.EBX)); err != nil {
		return ActionError, err
	}
	if err := f.SetRegister(regRCX, uint64(leaf.ECX)); err != nil {
		return ActionError, err
	}
	if err := f.SetRegister(regRDX, uint64(leaf.EDX)); err != nil {
		return ActionError, err
	}
	advanceIP(f, msg)
	return ActionHandled, nil
}

func handleIOInstruction(ports *IOPortSpace, f *fault.Fault, msg kernel.FaultMessage) (Action, error) {
	q := fault.DecodeIOInstruction(msg.Qualification)
	if q.String || q.Rep {
		return ActionError, fmt.Errorf("vm: string/rep io instructions are not supported")
	}
	if q.In {
		value, err := ports.In(q.Port, q.Size)
		if err != nil {
			return ActionError, err
		}
		cur, err := f.Register(regRAX)
		if err != nil {
			return ActionError, err
		}
		mask := uint64(1)<<(8*uint(q.Size)) - 1
		if err := f.SetRegister(regRAX, (cur&^mask)|(uint64(value)&mask)); err != nil {
			return ActionError, err
		}
	} else {
		value, err := f.FaultGetData(regRAX)
		if err != nil {
			return ActionError, err
		}
		mask := uint64(1)<<(8*uint(q.Size)) - 1
		if err := ports.Out(q.Port, q.Size, uint32(value&mask)); err != nil {
			return ActionError, err
		}
	}
	advanceIP(f, msg)
	return ActionHandled, nil
}

// gpInjectionInfo is the VM-entry interruption-information word for a
// hardware #GP (vector 13, exception class), injected per spec's "raise
// #GP into the guest" rule for a disallowed MSR.
const gpInjectionInfo = entryInterruptInfoValid | (3 << 8) | 13

// apicBaseMSR is IA32_APIC_BASE: the only allowlisted MSR this runtime
// gives guest-visible state to, since it doubles as the local APIC's
// register-page relocation/enable control rather than a value the
// embedder owns outright.
const apicBaseMSR = 0x1B

// handleMSR enforces the allowlist (spec: disallowed MSR access raises
// #GP into the guest with RIP left unchanged, rather than terminating the
// VM) and otherwise emulates the allowed read/write. IA32_APIC_BASE reads
// and writes route through the faulting vCPU's own LAPIC rather than
// read/MSRReadFunc, since its value is the LAPIC's, not the embedder's.
func handleMSR(allowlist fault.MSRAllowlist, read MSRReadFunc, lapics *irqchip.LAPICSet, c *VCPU, f *fault.Fault, msg kernel.FaultMessage) (Action, error) {
	msr := uint32(msg.Qualification)
	if !allowlist.Allowed(msr) {
		c.SetEntryInterruptInfo(gpInjectionInfo)
		return ActionHandled, nil
	}
	if msg.Reason == fault.ExitMSRWrite {
		value, err := f.FaultGetData(regRAX)
		if err != nil {
			return ActionError, err
		}
		if msr == apicBaseMSR {
			if l, ok := lapicForVCPU(lapics, c); ok {
				l.SetAPICBase(value)
			}
		}
		advanceIP(f, msg)
		return ActionHandled, nil
	}
	var value uint64
	if msr == apicBaseMSR {
		if l, ok := lapicForVCPU(lapics, c); ok {
			value = l.APICBase()
		} else if read != nil {
			value = read(msr)
		}
	} else if read != nil {
		value = read(msr)
	}
	if err := f.SetRegister(regRAX, value&0xFFFFFFFF); err != nil {
		return ActionError, err
	}
	if err := f.SetRegister(regRDX, value>>32); err != nil {
		return ActionError, err
	}
	advanceIP(f, msg)
	return ActionHandled, nil
}

func lapicForVCPU(lapics *irqchip.LAPICSet, c *VCPU) (*irqchip.LAPIC, bool) {
	if lapics == nil {
		return nil, false
	}
	return lapics.Get(c.Handle())
}

func handleHLT(c *VCPU, f *fault.Fault, msg kernel.FaultMessage) (Action, error) {
	action := fault.DecodeHalt(msg.FlagsRegister)
	c.SetHalted(true)
	advanceIP(f, msg)
	if action == fault.HaltPermanent {
		return ActionHandled, ErrVMHalted
	}
	return ActionHandled, nil
}

func handlePendingInterrupt(lapics *irqchip.LAPICSet, c *VCPU) (Action, error) {
	if lapics == nil {
		return ActionHandled, nil
	}
	l, ok := lapics.Get(c.Handle())
	if !ok {
		return ActionHandled, nil
	}
	vector, ok := l.GetInterrupt()
	if !ok {
		return ActionHandled, nil
	}
	c.SetEntryInterruptInfo(entryInterruptInfoValid | uint64(vector))
	c.SetHalted(false)
	return ActionHandled, nil
}

func handleVMCall(table fault.VMCallTable, f *fault.Fault, msg kernel.FaultMessage) (Action, error) {
	eax, err := f.Register(regRAX)
	if err != nil {
		return ActionError, err
	}
	var args [4]uint64
	for i, idx := range []int{regRBX, regRCX, regRDX, regRSI} {
		v, err := f.Register(idx)
		if err != nil {
			return ActionError, err
		}
		args[i] = v
	}
	ret, err := table.Dispatch(f, eax, args)
	if err != nil {
		return ActionError, err
	}
	if err := f.SetRegister(regRAX, ret); err != nil {
		return ActionError, err
	}
	advanceIP(f, msg)
	return ActionHandled, nil
}
