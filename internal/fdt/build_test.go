package fdt_test

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/sel4vm/internal/fdt"
)

func TestBuildHeaderMagicAndTotalSize(t *testing.T) {
	root := fdt.NewNode("")
	root.SetProperty("compatible", fdt.Property{Strings: []string{"linux,dummy-virt"}})
	root.Child(fdt.NewNode("memory")).SetProperty("reg", fdt.Property{U64: []uint64{0x4000_0000, 0x1000_0000}})

	blob, err := fdt.Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(blob) < 0x28 {
		t.Fatalf("blob too short: %d bytes", len(blob))
	}
	magic := binary.BigEndian.Uint32(blob[0:4])
	if magic != 0xd00dfeed {
		t.Fatalf("got magic %#x, want 0xd00dfeed", magic)
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	if int(totalSize) != len(blob) {
		t.Fatalf("header total_size=%d, blob is %d bytes", totalSize, len(blob))
	}
}

func TestBuildNestedChildrenRoundTripInStructBlock(t *testing.T) {
	root := fdt.NewNode("")
	soc := root.Child(fdt.NewNode("soc"))
	soc.Child(fdt.NewNode("uart@9000000")).SetProperty("status", fdt.Property{Strings: []string{"okay"}})

	blob, err := fdt.Build(root)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !containsASCII(blob, "uart@9000000") {
		t.Fatalf("expected struct block to contain child node name")
	}
	if !containsASCII(blob, "status") {
		t.Fatalf("expected strings block to contain property name")
	}
}

func TestBuildWritesReservationEntriesAheadOfStructBlock(t *testing.T) {
	root := fdt.NewNode("")
	root.SetProperty("compatible", fdt.Property{Strings: []string{"linux,dummy-virt"}})

	blob, err := fdt.Build(root, fdt.Reservation{Address: 0x4800_0000, Size: 0x0010_0000})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	offMemRsvmap := binary.BigEndian.Uint32(blob[16:20])
	gotAddr := binary.BigEndian.Uint64(blob[offMemRsvmap : offMemRsvmap+8])
	gotSize := binary.BigEndian.Uint64(blob[offMemRsvmap+8 : offMemRsvmap+16])
	if gotAddr != 0x4800_0000 || gotSize != 0x0010_0000 {
		t.Fatalf("got reservation {%#x, %#x}, want {%#x, %#x}", gotAddr, gotSize, 0x4800_0000, 0x0010_0000)
	}

	// the terminating zero/zero sentinel pair follows the one real entry.
	termAddr := binary.BigEndian.Uint64(blob[offMemRsvmap+16 : offMemRsvmap+24])
	termSize := binary.BigEndian.Uint64(blob[offMemRsvmap+24 : offMemRsvmap+32])
	if termAddr != 0 || termSize != 0 {
		t.Fatalf("expected terminating sentinel pair, got {%#x, %#x}", termAddr, termSize)
	}

	offStruct := binary.BigEndian.Uint32(blob[8:12])
	if offStruct != offMemRsvmap+32 {
		t.Fatalf("expected struct block to start after one reservation entry plus sentinel, got off_dt_struct=%#x", offStruct)
	}
}

func containsASCII(blob []byte, s string) bool {
	needle := []byte(s)
	for i := 0; i+len(needle) <= len(blob); i++ {
		match := true
		for j := range needle {
			if blob[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
