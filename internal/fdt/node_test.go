package fdt_test

import (
	"testing"

	"github.com/tinyrange/sel4vm/internal/fdt"
)

func TestFindResolvesNestedPath(t *testing.T) {
	root := fdt.NewNode("")
	soc := root.Child(fdt.NewNode("soc"))
	uart := soc.Child(fdt.NewNode("uart@9000000"))

	got := root.Find("soc/uart@9000000")
	if got != uart {
		t.Fatalf("Find returned %v, want the uart node", got)
	}
	if root.Find("soc/missing") != nil {
		t.Fatalf("Find should return nil for a missing path")
	}
}

func TestFindPhandleSearchesSubtree(t *testing.T) {
	root := fdt.NewNode("")
	clk := root.Child(fdt.NewNode("clk"))
	clk.Phandle = 5

	if root.FindPhandle(5) != clk {
		t.Fatalf("FindPhandle(5) did not find clk")
	}
	if root.FindPhandle(99) != nil {
		t.Fatalf("FindPhandle(99) should be nil")
	}
}
