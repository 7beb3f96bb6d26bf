package fdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	headerSize  = 0x28
	fdtVersion  = 17
	lastCompVer = 16
	fdtMagic    = 0xd00dfeed

	beginNodeToken = 0x1
	endNodeToken   = 0x2
	propToken      = 0x3
	endToken       = 0x9
)

// Reservation is one entry of the memory reservation block: a physical
// range the guest kernel must not hand out as ordinary RAM, for example an
// initrd image or an ACPI table staged before the vCPU starts running.
type Reservation struct {
	Address uint64
	Size    uint64
}

// fdtHeader is the fixed-layout blob header; every field is big-endian
// regardless of host byte order.
type fdtHeader struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

// Build serializes root into a flattened device-tree blob, with reservations
// (if any) written into the memory reservation block ahead of the struct
// section.
func Build(root *Node, reservations ...Reservation) ([]byte, error) {
	strct, err := encodeStruct(root)
	if err != nil {
		return nil, err
	}
	return assemble(strct, reservations), nil
}

// structTree holds the two serialized sections that make up an FDT's
// variable-length body, plus the interned string table they reference.
type structTree struct {
	tokens  []byte
	strings []byte
}

func encodeStruct(root *Node) (structTree, error) {
	t := &treeEncoder{strtab: newStringTable()}
	if err := t.node(root); err != nil {
		return structTree{}, err
	}
	t.emit(endToken)
	t.alignTokens()
	return structTree{tokens: t.tokens.Bytes(), strings: t.strtab.bytes()}, nil
}

// treeEncoder walks a Node tree and appends the struct-block tokens for it.
// String interning is delegated to stringTable so the two concerns don't
// share mutable state directly.
type treeEncoder struct {
	tokens bytes.Buffer
	strtab *stringTable
}

func (t *treeEncoder) node(n *Node) error {
	t.emit(beginNodeToken)
	t.tokens.WriteString(n.Name)
	t.tokens.WriteByte(0)
	t.alignTokens()

	for _, name := range sortedKeys(n.Properties) {
		value, err := encodeValue(name, n.Properties[name])
		if err != nil {
			return err
		}
		t.property(name, value)
	}
	for _, child := range n.Children {
		if err := t.node(child); err != nil {
			return err
		}
	}

	t.emit(endNodeToken)
	return nil
}

func (t *treeEncoder) property(name string, value []byte) {
	t.emit(propToken)
	t.writeU32(uint32(len(value)))
	t.writeU32(t.strtab.offsetOf(name))
	t.tokens.Write(value)
	t.alignTokens()
}

func (t *treeEncoder) emit(token uint32) { t.writeU32(token) }

func (t *treeEncoder) writeU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	t.tokens.Write(tmp[:])
}

func (t *treeEncoder) alignTokens() {
	for t.tokens.Len()%4 != 0 {
		t.tokens.WriteByte(0)
	}
}

func sortedKeys(props map[string]Property) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encodeValue turns a Property into the raw bytes the struct block stores
// for it, independent of where in the tree the property lives.
func encodeValue(name string, prop Property) ([]byte, error) {
	switch prop.Kind() {
	case "strings":
		var buf bytes.Buffer
		for _, v := range prop.Strings {
			buf.WriteString(v)
			buf.WriteByte(0)
		}
		return buf.Bytes(), nil
	case "u32":
		data := make([]byte, len(prop.U32)*4)
		for i, v := range prop.U32 {
			binary.BigEndian.PutUint32(data[i*4:], v)
		}
		return data, nil
	case "u64":
		data := make([]byte, len(prop.U64)*8)
		for i, v := range prop.U64 {
			binary.BigEndian.PutUint64(data[i*8:], v)
		}
		return data, nil
	case "bytes":
		return append([]byte(nil), prop.Bytes...), nil
	case "flag":
		return nil, nil
	default:
		return nil, fmt.Errorf("fdt: property %q has no value", name)
	}
}

// stringTable interns property names into the blob's single strings
// section, handing back the same offset for a name seen more than once.
type stringTable struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{off: make(map[string]uint32)}
}

func (s *stringTable) offsetOf(name string) uint32 {
	if off, ok := s.off[name]; ok {
		return off
	}
	off := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	s.off[name] = off
	return off
}

func (s *stringTable) bytes() []byte { return s.buf.Bytes() }

// encodeRsvmap renders the memory reservation block: one 16-byte
// address/size pair per entry, terminated by a zero/zero sentinel pair.
func encodeRsvmap(reservations []Reservation) []byte {
	buf := make([]byte, 0, 16*(len(reservations)+1))
	var entry [16]byte
	for _, r := range reservations {
		binary.BigEndian.PutUint64(entry[0:8], r.Address)
		binary.BigEndian.PutUint64(entry[8:16], r.Size)
		buf = append(buf, entry[:]...)
	}
	var zero [16]byte
	return append(buf, zero[:]...)
}

func assemble(tree structTree, reservations []Reservation) []byte {
	rsvmap := encodeRsvmap(reservations)

	offRsvmap := headerSize
	offStruct := offRsvmap + len(rsvmap)
	offStrings := offStruct + len(tree.tokens)
	total := offStrings + len(tree.strings)

	hdr := fdtHeader{
		Magic:           fdtMagic,
		TotalSize:       uint32(total),
		OffDtStruct:     uint32(offStruct),
		OffDtStrings:    uint32(offStrings),
		OffMemRsvmap:    uint32(offRsvmap),
		Version:         fdtVersion,
		LastCompVersion: lastCompVer,
		BootCPUIDPhys:   0,
		SizeDtStrings:   uint32(len(tree.strings)),
		SizeDtStruct:    uint32(len(tree.tokens)),
	}

	blob := make([]byte, total)
	var hdrBuf bytes.Buffer
	binary.Write(&hdrBuf, binary.BigEndian, hdr)
	copy(blob[:headerSize], hdrBuf.Bytes())
	copy(blob[offRsvmap:], rsvmap)
	copy(blob[offStruct:], tree.tokens)
	copy(blob[offStrings:], tree.strings)

	return blob
}
