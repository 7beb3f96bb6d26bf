package boot

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/sel4vm/internal/debug"
)

// KernelImage is a composed, relocation-patched ELF32 kernel image ready
// to be copied into guest RAM as one contiguous span [LinkBase, LinkBase
// + len(Data)), before being shifted to its final load address.
type KernelImage struct {
	Data     []byte
	LinkBase uint64
	Entry    uint64
}

// LoadELF32Kernel walks the program headers of a 32-bit ELF kernel image,
// composing its PT_LOAD segments into one flat buffer spanning their
// combined physical address range, per spec §4.7's "x86 kernel loading".
func LoadELF32Kernel(kernel io.ReaderAt) (*KernelImage, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("boot: open elf32 kernel: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("boot: kernel is not a 32-bit ELF image")
	}
	if len(f.Progs) == 0 {
		return nil, errors.New("boot: elf32 kernel has no program headers")
	}

	var minPhys, maxPhys uint64
	type segment struct {
		paddr, filesz, memsz uint64
		data                 []byte
	}
	var segments []segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("boot: read elf32 segment @%#x: %w", prog.Off, err)
			}
		}
		segments = append(segments, segment{paddr: prog.Paddr, filesz: prog.Filesz, memsz: prog.Memsz, data: data})
		if minPhys == 0 || prog.Paddr < minPhys {
			minPhys = prog.Paddr
		}
		if end := prog.Paddr + prog.Memsz; end > maxPhys {
			maxPhys = end
		}
	}
	if len(segments) == 0 {
		return nil, errors.New("boot: elf32 kernel has no loadable segments")
	}
	if maxPhys <= minPhys {
		return nil, fmt.Errorf("boot: invalid elf32 kernel span [%#x, %#x)", minPhys, maxPhys)
	}

	image := make([]byte, maxPhys-minPhys)
	for _, seg := range segments {
		copy(image[seg.paddr-minPhys:], seg.data)
	}

	debug.Writef("boot.x86", "elf32 kernel spans [%#x, %#x) entry=%#x", minPhys, maxPhys, f.Entry)
	return &KernelImage{Data: image, LinkBase: minPhys, Entry: f.Entry}, nil
}

// Relocate shifts img to loadPaddr, patching every address named by relocs
// (the Linux boot protocol's relocs format: two LSB-first streams of
// 32-bit link-time addresses, one for 64-bit relocation entries and one
// for 32-bit entries, each zero-terminated) by the delta between the new
// and link-time physical base. Each patched slot holds a link-time
// address and is rewritten to (value + delta).
func (k *KernelImage) Relocate(relocs io.Reader, loadPaddr uint64) error {
	delta := int64(loadPaddr) - int64(k.LinkBase)
	if relocs == nil || delta == 0 {
		k.Entry = uint64(int64(k.Entry) + delta)
		k.LinkBase = loadPaddr
		return nil
	}

	r := bufio.NewReader(relocs)
	patch := func(linkAddr uint32) error {
		if linkAddr == 0 {
			return nil
		}
		off := uint64(linkAddr) - k.LinkBase
		if off+4 > uint64(len(k.Data)) {
			return fmt.Errorf("boot: relocation address %#x outside kernel image", linkAddr)
		}
		v := binary.LittleEndian.Uint32(k.Data[off:])
		binary.LittleEndian.PutUint32(k.Data[off:], uint32(int64(v)+delta))
		return nil
	}

	// Two zero-terminated streams: 64-bit relocation entries, then
	// 32-bit ones. Both are patched the same way at the 32-bit slot.
	for section := 0; section < 2; section++ {
		for {
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return fmt.Errorf("boot: read relocation entry: %w", err)
			}
			addr := binary.LittleEndian.Uint32(buf[:])
			if addr == 0 {
				break
			}
			if err := patch(addr); err != nil {
				return err
			}
		}
	}

	k.Entry = uint64(int64(k.Entry) + delta)
	k.LinkBase = loadPaddr
	return nil
}
