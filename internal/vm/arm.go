package vm

import (
	"fmt"

	"github.com/tinyrange/sel4vm/internal/fault"
	"github.com/tinyrange/sel4vm/internal/kernel"
)

// ARM exception classes (ESR_EL2.EC), grounded on
// original_source's libsel4vm/src/arch/arm/fault.c HSR_EC_* constants and
// spec §4.3's non-memory-exception list.
const (
	ecWFx              = 0x01
	ecHVC64            = 0x16
	ecSMC64            = 0x17
	ecSMC32            = 0x13
	ecSystemRegister   = 0x18
	ecDataAbortLowerEL = 0x24
)

// cpsrThumbBit is CPSR.T, carried in FaultMessage.FlagsRegister on ARM.
const cpsrThumbBit = 1 << 5

// registerX0 is the GPR index PSCI CPU_ON's context argument and bootargs
// land in, matching fault.Fault's flat register index space.
const registerX0 = 0

// MemFaultResolver resolves a decoded memory abort against the guest
// memory manager's reservation tree (internal/memory.Manager.
// MemoryHandleFault), returning HANDLED/UNHANDLED/RESTART/ERROR per
// spec's FaultResult vocabulary. It is installed via UnhandledMemoryFault
// as a Dispatcher's OnUnhandledFault, not called by the architecture
// decoders directly: they only decode and always return ActionUnhandled
// for a memory abort.
type MemFaultResolver func(c *VCPU, guestAddr uint64, size uint32) int

// ARMHandlers builds the FaultHandlerFunc spec §4.1 step 3 calls
// `arm_exit_handlers[...]`: it decodes stage-2 memory aborts and falls
// through to the registered memory-fault resolver, ignores WFx, advances
// IP past unrecognized exceptions, consults vcpuFaults for system-
// register traps, and routes SMC-class exits to PSCI.
func ARMHandlers(dec *fault.ARMDecoder, vcpuFaults *fault.VCPUFaultTable, psci fault.PSCITarget) FaultHandlerFunc {
	return func(c *VCPU, msg kernel.FaultMessage) (Action, error) {
		f := c.Fault()
		thumb := msg.FlagsRegister&cpsrThumbBit != 0
		ec := msg.Reason

		switch ec {
		case ecDataAbortLowerEL:
			f.SetGuestPhysAddr(msg.GuestPhys)
			regIdx, err := dec.DecodeMemoryAbort(f, uint32(msg.Qualification), thumb)
			if err != nil {
				return ActionError, err
			}
			if f.IsWrite() {
				if _, err := f.FaultGetData(regIdx); err != nil {
					return ActionError, err
				}
			} else {
				f.SetPendingRegister(regIdx)
			}
			return ActionUnhandled, nil

		case ecWFx:
			dec.DecodeWFx(f)
			return ActionHandled, nil

		case ecSystemRegister:
			if vcpuFaults != nil && vcpuFaults.Handle(uint32(msg.Qualification)) {
				f.CompleteStage()
				return ActionHandled, nil
			}
			return ActionError, fmt.Errorf("vm: unrecognized vcpu system-register trap %#x", msg.Qualification)

		case ecSMC64, ecSMC32, ecHVC64:
			gprs := msg.GPRs
			ret := fault.HandlePSCI(psci, gprs[0], gprs[1], gprs[2], gprs[3])
			if err := f.SetRegister(registerX0, uint64(ret)); err != nil {
				return ActionError, err
			}
			dec.AdvanceForUnrecognizedException(f, thumb)
			if gprs[0] == fault.PSCISystemReset {
				return ActionHandled, ErrGuestRequestedReboot
			}
			return ActionHandled, nil

		default:
			dec.AdvanceForUnrecognizedException(f, thumb)
			return ActionHandled, nil
		}
	}
}

// memFaultResultToAction maps memory.FaultResult's int values
// (0 HANDLED, 1 UNHANDLED, 2 RESTART, 3 ERROR) onto Action, whose
// constants are ordered differently (Handled, Restart, Unhandled, Error).
func memFaultResultToAction(r int) Action {
	switch r {
	case 0:
		return ActionHandled
	case 1:
		return ActionUnhandled
	case 2:
		return ActionRestart
	default:
		return ActionError
	}
}

// Lookup implements fault.PSCITarget: reports whether any vCPU is
// currently assigned to targetCPU, and if so whether it is online.
func (v *VM) Lookup(targetCPU uint64) (online bool, found bool) {
	vc, ok := v.lookupByTarget(int(targetCPU))
	if !ok {
		return false, false
	}
	return vc.Online(), true
}

// StartFreeVCPU implements fault.PSCITarget: assigns the first unassigned
// vCPU to targetCPU, sets its boot context (X0 = contextID per spec
// §4.3's "set its bootargs (entry, 0, context)"), and starts it at entry.
func (v *VM) StartFreeVCPU(targetCPU, entry, contextID uint64) error {
	vc, ok := v.freeVCPU()
	if !ok {
		return fmt.Errorf("vm: no free vcpu to bring up as physical cpu %d", targetCPU)
	}
	if err := v.AssignVCPUTarget(vc, int(targetCPU)); err != nil {
		return err
	}
	if err := v.kern.SetRegister(vc.handle, kernel.Register(registerX0), contextID); err != nil {
		return fmt.Errorf("vm: set boot context for vcpu %d: %w", vc.id, err)
	}
	return vc.Start(entry, nil)
}

var _ fault.PSCITarget = (*VM)(nil)
