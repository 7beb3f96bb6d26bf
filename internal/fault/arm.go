package fault

import (
	"fmt"

	"github.com/tinyrange/sel4vm/internal/debug"
)

// HSR bit layout, grounded on
// libsel4vm/src/arch/arm/fault.c's HSR_* macros: a 32-bit stage-2 abort
// syndrome carries instruction-length, syndrome-valid, register-index,
// and width fields directly when the access hit a "simple" addressing
// mode; otherwise the decoder must fetch and decode the faulting
// instruction itself.
const (
	hsrInst32        = 1 << 25
	hsrSyndromeValid = 1 << 24
	hsrSrtShift      = 16
	hsrSrtMask       = 0xF
	hsrWidthShift    = 22
	hsrWidthMask     = 0x3
	hsrWnR           = 1 << 6 // write-not-read
)

// InstructionFetcher fetches raw guest instruction bytes at addr,
// typically backed by memory.Manager.RAMTouch.
type InstructionFetcher func(addr uint64, length int) ([]byte, error)

// ErrataFn overrides the decoded register index for a platform-specific
// subset of store encodings (e.g. a known silicon errata on certain
// Thumb store instructions). It returns ok=false when the errata does
// not apply.
type ErrataFn func(f *Fault, thumb bool) (regIdx int, ok bool)

// ARMDecoder decodes ARM stage-2 memory aborts and VCPU faults into a
// Fault object's width/direction/register fields.
type ARMDecoder struct {
	Fetch  InstructionFetcher
	Errata ErrataFn
}

// DecodeMemoryAbort implements spec §4.3 step 2: use the syndrome's
// width/register-index bits directly when valid; otherwise fetch and
// decode the faulting instruction.
func (d *ARMDecoder) DecodeMemoryAbort(f *Fault, hsr uint32, thumb bool) (regIdx int, err error) {
	f.SetStatusWord(hsr)
	if hsr&hsrWnR != 0 {
		f.SetDirection(DirWrite)
	} else {
		f.SetDirection(DirRead)
	}

	if hsr&hsrSyndromeValid != 0 {
		width := uint32(1) << ((hsr >> hsrWidthShift) & hsrWidthMask)
		f.SetWidth(width)
		regIdx = int((hsr >> hsrSrtShift) & hsrSrtMask)
		if d.Errata != nil {
			if idx, ok := d.Errata(f, thumb); ok {
				debug.Writef("fault.arm.errata", "overriding register index to %d", idx)
				regIdx = idx
			}
		}
		return regIdx, nil
	}

	if d.Fetch == nil {
		return 0, fmt.Errorf("fault: syndrome invalid and no instruction fetcher installed")
	}
	return d.decodeFromInstruction(f, thumb)
}

func (d *ARMDecoder) decodeFromInstruction(f *Fault, thumb bool) (int, error) {
	length := 4
	if thumb {
		length = 2
		raw, err := d.Fetch(f.IP(), 2)
		if err != nil {
			return 0, err
		}
		inst16 := uint16(raw[0]) | uint16(raw[1])<<8
		if thumb32IsLongEncoding(inst16) {
			length = 4
		}
	}
	raw, err := d.Fetch(f.IP(), length)
	if err != nil {
		return 0, err
	}

	var inst uint32
	for i, b := range raw {
		inst |= uint32(b) << (8 * i)
	}

	width, regIdx := decodeLoadStore(inst, thumb, length == 4)
	f.SetWidth(width)
	if d.Errata != nil {
		if idx, ok := d.Errata(f, thumb); ok {
			regIdx = idx
		}
	}
	return regIdx, nil
}

// thumb32IsLongEncoding mirrors thumb_is_32bit_instruction: bits
// [15:11] of 0b11101/0b11110/0b11111 mark a 32-bit Thumb-2 encoding.
func thumb32IsLongEncoding(halfword uint16) bool {
	switch (halfword >> 11) & 0x1F {
	case 0b11101, 0b11110, 0b11111:
		return true
	default:
		return false
	}
}

// decodeLoadStore recovers access width and destination register from a
// raw ARM/Thumb load/store encoding. This covers the single-register
// LDR/STR/LDRB/STRB/LDRH/STRH family; LDRD/STRD are handled by the
// caller running two stages against one Fault object.
func decodeLoadStore(inst uint32, thumb, isThumb32 bool) (width uint32, regIdx int) {
	if !thumb {
		// ARM encoding: bit 22 (B) selects byte vs word;
		// Rt is bits [15:12].
		regIdx = int((inst >> 12) & 0xF)
		if inst&(1<<22) != 0 {
			return 1, regIdx
		}
		return 4, regIdx
	}
	if isThumb32 {
		regIdx = int((inst >> 12) & 0xF)
	} else {
		regIdx = int(inst & 0x7)
	}
	return 4, regIdx
}

// DecodeWFx handles the spec's "WFx is ignored and resumed" rule.
func (d *ARMDecoder) DecodeWFx(f *Fault) {
	f.CompleteStage()
}

// AdvanceForUnrecognizedException advances IP by the instruction length
// (2 for Thumb, 4 for ARM) for an unrecognized syscall/user exception.
func (d *ARMDecoder) AdvanceForUnrecognizedException(f *Fault, thumb bool) {
	if thumb {
		f.SetIP(f.IP() + 2)
	} else {
		f.SetIP(f.IP() + 4)
	}
	f.CompleteStage()
}

// VCPUFaultTable dispatches system-register traps (AArch64 VCPU
// faults). A DEBUG/TRACE range and, on A57, CPUACTLR are silently
// ignored per spec; anything else is unrecognized and the caller should
// treat it as an error.
type VCPUFaultTable struct {
	IgnoredSysRegs map[uint32]bool
}

func (t *VCPUFaultTable) Handle(sysReg uint32) (ignored bool) {
	return t.IgnoredSysRegs[sysReg]
}

// PSCI function identifiers, per spec's "PSCI subset" and
// original_source's libsel4vmmplatsupport/src/arch/arm/psci.c.
const (
	PSCIVersion        = 0x84000000
	PSCICPUOn          = 0x84000003
	PSCICPUOnSMC64     = 0xC4000003
	PSCIMigrateInfoType = 0x84000006
	PSCIFeatures       = 0x8400000A
	PSCISystemReset    = 0x84000009
)

// PSCI return codes.
const (
	PSCISuccess         = 0
	PSCINotSupported    = -1
	PSCIInvalidParams   = -2
	PSCIAlreadyOn       = -4
	PSCIInternalFailure = -6
)

// PSCITarget abstracts the single operation PSCI CPU_ON needs: find a
// free unassigned vCPU, or determine the named one is already online.
type PSCITarget interface {
	// Lookup returns the vCPU currently assigned to targetCPU, if any,
	// and whether it is online.
	Lookup(targetCPU uint64) (online bool, found bool)
	// StartFreeVCPU assigns a free unassigned vCPU to targetCPU and
	// starts it at (entry, contextID). It returns an error if no free
	// vCPU exists or starting fails.
	StartFreeVCPU(targetCPU, entry, contextID uint64) error
}

// HandlePSCI dispatches one SMC-class PSCI call, grounded directly on
// original_source's handle_psci.
func HandlePSCI(target PSCITarget, fn uint64, targetCPU, entry, contextID uint64) int64 {
	switch fn {
	case PSCIVersion:
		return 0x00010000
	case PSCICPUOn, PSCICPUOnSMC64:
		online, found := target.Lookup(targetCPU)
		if !found {
			if err := target.StartFreeVCPU(targetCPU, entry, contextID); err != nil {
				return PSCIInternalFailure
			}
			return PSCISuccess
		}
		if !online {
			return PSCIInternalFailure
		}
		return PSCIAlreadyOn
	case PSCIMigrateInfoType:
		return 2
	case PSCIFeatures:
		return PSCINotSupported
	case PSCISystemReset:
		return PSCISuccess
	default:
		return PSCIInternalFailure
	}
}
