package boot

import (
	"encoding/binary"

	"github.com/tinyrange/sel4vm/internal/debug"
)

// acpiTableWriter accumulates ACPI tables into one contiguous byte region
// based at a fixed guest-physical address, mirroring the teacher's
// tableWriter: each Append writes a 36-byte SDT header, patches in the
// table's length and checksum, and pads to an 8-byte boundary.
type acpiTableWriter struct {
	buf  []byte
	base uint64
}

func newACPITableWriter(base uint64) *acpiTableWriter {
	return &acpiTableWriter{base: base}
}

type acpiTableParams struct {
	Signature [4]byte
	Revision  uint8
	Body      []byte
}

// Append writes one ACPI table and returns its guest-physical base.
func (w *acpiTableWriter) Append(params acpiTableParams) uint64 {
	tableAddr := w.base + uint64(len(w.buf))

	header := make([]byte, 36)
	copy(header[0:4], params.Signature[:])
	length := uint32(36 + len(params.Body))
	binary.LittleEndian.PutUint32(header[4:8], length)
	header[8] = params.Revision
	copy(header[10:16], []byte("SEL4VM"))
	copy(header[16:24], tableID("GUESTBOOT"))
	binary.LittleEndian.PutUint32(header[24:28], 1)
	copy(header[28:32], []byte("GOGO"))
	binary.LittleEndian.PutUint32(header[32:36], 1)

	table := append(header, params.Body...)
	table[9] = checksum(table)

	w.buf = append(w.buf, table...)
	for len(w.buf)%8 != 0 {
		w.buf = append(w.buf, 0)
	}
	return tableAddr
}

func (w *acpiTableWriter) Bytes() []byte { return w.buf }

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return byte(-int8(sum))
}

func tableID(name string) [8]byte {
	var out [8]byte
	copy(out[:], name)
	return out
}

const acpiLocalAPICEntryType = 0

// BuildMADT constructs a Multiple APIC Description Table body: the local
// APIC address, flags, then one Processor Local APIC entry per vCPU, and
// appends it through w.
func (w *acpiTableWriter) BuildMADT(localAPICAddr uint32, numVCPUs int) uint64 {
	body := make([]byte, 8, 8+numVCPUs*8)
	binary.LittleEndian.PutUint32(body[0:4], localAPICAddr)
	binary.LittleEndian.PutUint32(body[4:8], 1) // PCAT_COMPAT

	for cpu := 0; cpu < numVCPUs; cpu++ {
		entry := make([]byte, 8)
		entry[0] = acpiLocalAPICEntryType
		entry[1] = 8
		entry[2] = byte(cpu) // ACPI processor UID
		entry[3] = byte(cpu) // APIC ID
		binary.LittleEndian.PutUint32(entry[4:8], 1) // enabled
		body = append(body, entry...)
	}

	return w.Append(acpiTableParams{Signature: [4]byte{'A', 'P', 'I', 'C'}, Revision: 4, Body: body})
}

// BuildXSDT writes an Extended System Description Table pointing at each
// of tableAddrs.
func (w *acpiTableWriter) BuildXSDT(tableAddrs []uint64) uint64 {
	body := make([]byte, 8*len(tableAddrs))
	for i, addr := range tableAddrs {
		binary.LittleEndian.PutUint64(body[i*8:], addr)
	}
	return w.Append(acpiTableParams{Signature: [4]byte{'X', 'S', 'D', 'T'}, Revision: 1, Body: body})
}

// BuildRSDP constructs the 36-byte ACPI 2.0+ Root System Description
// Pointer referencing xsdtAddr, meant to be placed on a 16-byte boundary
// inside the 0xE0000-0xFFFFF BIOS shadow per spec §4.7.
func BuildRSDP(xsdtAddr uint64) []byte {
	rsdp := make([]byte, 36)
	copy(rsdp[0:8], []byte("RSD PTR "))
	copy(rsdp[9:15], []byte("SEL4VM"))
	rsdp[15] = 2 // revision
	binary.LittleEndian.PutUint32(rsdp[16:20], 0) // rsdt address, unused
	binary.LittleEndian.PutUint32(rsdp[20:24], 36)
	binary.LittleEndian.PutUint64(rsdp[24:32], xsdtAddr)
	rsdp[8] = checksum(rsdp[:20])
	copy(rsdp[33:36], []byte{0, 0, 0})
	rsdp[32] = checksum(rsdp)
	return rsdp
}

// ACPITables is the result of BuildACPI: the RSDP bytes (to be placed at
// a 16-byte-aligned search address) and the XSDT/MADT region (to be
// placed anywhere in the 0xE0000-0xFFFFF BIOS shadow).
type ACPITables struct {
	RSDP   []byte
	Region []byte
}

// BuildACPI lays out a minimal XSDT + MADT + RSDP describing numVCPUs
// local APICs at localAPICAddr, based at regionBase (the shadow region's
// guest-physical address).
func BuildACPI(regionBase uint64, localAPICAddr uint32, numVCPUs int) ACPITables {
	w := newACPITableWriter(regionBase)
	madtAddr := w.BuildMADT(localAPICAddr, numVCPUs)
	xsdtAddr := w.BuildXSDT([]uint64{madtAddr})

	debug.Writef("boot.acpi", "built MADT@%#x XSDT@%#x for %d vcpus", madtAddr, xsdtAddr, numVCPUs)
	return ACPITables{RSDP: BuildRSDP(xsdtAddr), Region: w.Bytes()}
}
