package vm_test

import (
	"testing"

	"github.com/tinyrange/sel4vm/internal/vm"
)

func TestCPUIDTableLeaf1ReportsCoreFeatures(t *testing.T) {
	tbl := vm.DefaultCPUIDTable()
	leaf := tbl.Query(1, 0)
	const wantBits = 1<<0 | 1<<4 | 1<<5 | 1<<25 | 1<<26 // FPU, TSC, MSR, SSE, SSE2
	if leaf.EDX&wantBits != wantBits {
		t.Fatalf("leaf1 EDX=%#x missing expected bits %#x", leaf.EDX, wantBits)
	}
}

func TestCPUIDTableLeaf0ReportsVendorString(t *testing.T) {
	tbl := vm.DefaultCPUIDTable()
	leaf := tbl.Query(0, 0)
	if leaf.EAX != tbl.MaxLeaf {
		t.Fatalf("got max leaf %#x, want %#x", leaf.EAX, tbl.MaxLeaf)
	}
	got := string([]byte{
		byte(leaf.EBX), byte(leaf.EBX >> 8), byte(leaf.EBX >> 16), byte(leaf.EBX >> 24),
		byte(leaf.EDX), byte(leaf.EDX >> 8), byte(leaf.EDX >> 16), byte(leaf.EDX >> 24),
		byte(leaf.ECX), byte(leaf.ECX >> 8), byte(leaf.ECX >> 16), byte(leaf.ECX >> 24),
	})
	if got != "GenuineIntel" {
		t.Fatalf("got vendor string %q, want GenuineIntel", got)
	}
}

func TestCPUIDTableUnknownLeafIsZero(t *testing.T) {
	tbl := vm.DefaultCPUIDTable()
	leaf := tbl.Query(0x40000000, 0)
	if leaf != (vm.CPUIDLeaf{}) {
		t.Fatalf("expected a zero leaf for an unrecognized query, got %+v", leaf)
	}
}
