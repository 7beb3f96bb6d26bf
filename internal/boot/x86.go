// Package boot constructs the guest-visible boot environment: an x86
// zero page / e820 map / ACPI tables, and an ARM device-tree fragment
// trimmed and patched for the emulated platform, per spec.md §4.7.
package boot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/sel4vm/internal/debug"
	"github.com/tinyrange/sel4vm/internal/memory"
)

// Zero-page (boot_params) layout, per the Linux x86 boot protocol
// (Documentation/x86/boot.txt). setup_header begins at offset 497;
// every other offset below is relative to it.
const (
	zeroPageSize      = 4096
	setupHeaderOffset = 497

	zeroPageExtRamDiskImage = 192
	zeroPageExtRamDiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	heapEndPtrOffset          = setupHeaderOffset + 51
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	cmdLinePtrOffset          = setupHeaderOffset + 55
	initrdAddrMaxOffset       = setupHeaderOffset + 59
	kernelAlignmentOffset     = setupHeaderOffset + 63
	relocatableKernelOffset   = setupHeaderOffset + 67
	minAlignmentOffset        = setupHeaderOffset + 68
	xloadflagsOffset          = setupHeaderOffset + 69
	cmdlineSizeOffset         = setupHeaderOffset + 71
	prefAddressOffset         = setupHeaderOffset + 103
	initSizeOffset            = setupHeaderOffset + 111

	headerMagic             = "HdrS"
	bootFlagMagic    uint16 = 0xaa55
	typeOfLoaderMeta uint8  = 0xff
	canUseHeapFlag   uint8  = 1 << 7

	e820EntrySize  = 20
	e820MaxEntries = 128
)

// E820 entry types, per spec §6's "x86 e820".
const (
	E820RAM      uint32 = 1
	E820Reserved uint32 = 2
)

// E820Entry describes one entry of the guest-visible BIOS memory map.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BuildE820Map derives an e820 map from the VM's coalesced RAM vector: a
// reserved entry at zero, one RAM entry per region with any gap between
// regions filled RESERVED, and a final RESERVED entry closing out 4 GiB.
func BuildE820Map(ram []memory.RAMRegion) ([]E820Entry, error) {
	if len(ram) == 0 {
		return nil, errors.New("boot: e820 map requires at least one RAM region")
	}
	entries := []E820Entry{{Addr: 0, Size: 0, Type: E820Reserved}}
	for _, r := range ram {
		last := &entries[len(entries)-1]
		if end := last.Addr + last.Size; last.Type != E820RAM || end != r.Start {
			if end != r.Start {
				if last.Size != 0 {
					entries = append(entries, E820Entry{Addr: end, Type: E820Reserved})
					last = &entries[len(entries)-1]
				}
				last.Size = r.Start - last.Addr
			}
			entries = append(entries, E820Entry{Addr: r.Start, Type: E820RAM})
			last = &entries[len(entries)-1]
		}
		last.Size = r.Start - last.Addr + r.Size
	}
	final := entries[len(entries)-1]
	entries = append(entries, E820Entry{
		Addr: final.Addr + final.Size,
		Size: 0x1_0000_0000 - (final.Addr + final.Size),
		Type: E820Reserved,
	})
	if len(entries) > e820MaxEntries {
		return nil, fmt.Errorf("boot: e820 map has %d entries, exceeds %d", len(entries), e820MaxEntries)
	}
	return entries, nil
}

// SetupHeader is the subset of the Linux setup_header this loader
// populates directly; everything else is left zeroed.
type SetupHeader struct {
	ProtocolVersion   uint16
	LoadFlags         uint8
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	InitrdAddrMax     uint32
	PrefAddress       uint64
	InitSize          uint32
}

// BuildZeroPage renders the boot_params page: the embedder-supplied
// header fields, the command line pointer, optional ramdisk fields, and
// the e820 map, per spec §4.7's "x86 boot".
func BuildZeroPage(header SetupHeader, loadAddr uint32, cmdlineGPA uint32, ramdiskGPA uint32, ramdiskSize uint32, e820 []E820Entry) ([]byte, error) {
	if len(e820) == 0 {
		return nil, errors.New("boot: zero page requires a non-empty e820 map")
	}
	if len(e820) > e820MaxEntries {
		return nil, fmt.Errorf("boot: too many e820 entries (%d > %d)", len(e820), e820MaxEntries)
	}

	zp := make([]byte, zeroPageSize)

	binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], bootFlagMagic)
	copy(zp[setupHeaderHeaderOffset:], headerMagic)
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], header.ProtocolVersion)
	zp[typeOfLoaderOffset] = typeOfLoaderMeta
	zp[loadFlagsOffset] = header.LoadFlags | canUseHeapFlag

	heapEnd := uint16(0x9800)
	if zp[loadFlagsOffset]&0x1 != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	binary.LittleEndian.PutUint32(zp[code32StartOffset:], loadAddr)
	binary.LittleEndian.PutUint32(zp[kernelAlignmentOffset:], header.KernelAlignment)
	zp[relocatableKernelOffset] = header.RelocatableKernel
	zp[minAlignmentOffset] = header.MinAlignment
	binary.LittleEndian.PutUint16(zp[xloadflagsOffset:], header.XLoadFlags)
	binary.LittleEndian.PutUint32(zp[cmdlineSizeOffset:], header.CmdlineSize)
	binary.LittleEndian.PutUint32(zp[initrdAddrMaxOffset:], header.InitrdAddrMax)
	binary.LittleEndian.PutUint64(zp[prefAddressOffset:], header.PrefAddress)
	binary.LittleEndian.PutUint32(zp[initSizeOffset:], header.InitSize)

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], cmdlineGPA)
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], 0)

	if ramdiskSize > 0 {
		if ramdiskGPA == 0 {
			return nil, errors.New("boot: non-zero ramdisk size but GPA is zero")
		}
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], ramdiskGPA)
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], ramdiskSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], 0)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskSize:], 0)
	}

	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		if base+e820EntrySize > zeroPageSize {
			return nil, errors.New("boot: e820 table exceeds zero page size")
		}
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	debug.Writef("boot.x86", "zero page built: load_addr=%#x cmdline_gpa=%#x e820_entries=%d", loadAddr, cmdlineGPA, len(e820))
	return zp, nil
}

// WriteGuestBytes writes data into guest RAM at addr through RAMTouch,
// the shared scratch-mapping primitive every boot helper writes through.
func WriteGuestBytes(mem *memory.Manager, backing []byte, ramBase, addr uint64, data []byte) error {
	return mem.RAMTouch(backing, ramBase, addr, uint64(len(data)), func(_ uint64, hostBuf []byte, offset uint64, _ any) error {
		copy(hostBuf, data[offset:offset+uint64(len(hostBuf))])
		return nil
	}, nil)
}

// WriteCmdline NUL-terminates and writes cmdline at cmdlineGPA.
func WriteCmdline(mem *memory.Manager, backing []byte, ramBase, cmdlineGPA uint64, cmdline string) error {
	return WriteGuestBytes(mem, backing, ramBase, cmdlineGPA, append([]byte(cmdline), 0))
}
