package boot_test

import (
	"testing"

	"github.com/tinyrange/sel4vm/internal/boot"
	"github.com/tinyrange/sel4vm/internal/fdt"
)

func buildSampleTree() *fdt.Node {
	root := fdt.NewNode("")
	soc := root.Child(fdt.NewNode("soc"))

	clk := soc.Child(fdt.NewNode("clk-controller"))
	clk.Phandle = 1
	clk.SetProperty("#clock-cells", fdt.Property{U32: []uint32{0}})

	uart := soc.Child(fdt.NewNode("uart@9000000"))
	uart.SetProperty("clocks", fdt.Property{U32: []uint32{1}})

	soc.Child(fdt.NewNode("unused-device"))

	pci := root.Child(fdt.NewNode("pci"))
	_ = pci

	return root
}

func TestPatchKeepsDependencyChainAndAncestors(t *testing.T) {
	root := buildSampleTree()
	p := boot.NewFDTPatcher(root)
	p.KeepNodes("soc/uart@9000000")

	patched := p.Patch()

	soc := patched.Find("soc")
	if soc == nil {
		t.Fatalf("expected soc ancestor to survive trimming")
	}
	if soc.Find("uart@9000000") == nil {
		t.Fatalf("expected explicitly kept uart node to survive")
	}
	if soc.Find("clk-controller") == nil {
		t.Fatalf("expected clk-controller to survive via the clocks dependency chase")
	}
	if soc.Find("unused-device") != nil {
		t.Fatalf("expected unused-device to be trimmed")
	}
}

func TestPatchDisablesKeepAndDisableNodesOnFirstVisit(t *testing.T) {
	root := buildSampleTree()
	p := boot.NewFDTPatcher(root)
	p.KeepNodesAndDisable("soc/unused-device")

	patched := p.Patch()

	dev := patched.Find("soc/unused-device")
	if dev == nil {
		t.Fatalf("expected unused-device to survive (kept-and-disabled)")
	}
	status, ok := dev.Properties["status"]
	if !ok || len(status.Strings) != 1 || status.Strings[0] != "disabled" {
		t.Fatalf("expected status=disabled, got %+v", status)
	}
}

func TestPatchPCINodeSetsTopologyProperties(t *testing.T) {
	root := buildSampleTree()
	p := boot.NewFDTPatcher(root)
	p.KeepNodes("pci")
	p.Patch()

	err := p.PatchPCINode("pci",
		[]uint32{0, 0, 0, 0, 0, 0, 0},
		[]uint32{0x0200_0000, 0, 0x1000_0000, 0, 0x1000_0000, 0, 0x1000_0000},
		[]uint32{0, 0, 0, 1, 0, 33},
		[]uint32{0, 0, 0, 7},
	)
	if err != nil {
		t.Fatalf("PatchPCINode: %v", err)
	}

	pciNode := root.Find("pci")
	if len(pciNode.Properties["reg"].U32) != 7 {
		t.Fatalf("reg property not set as expected")
	}
	if len(pciNode.Properties["interrupt-map"].U32) != 6 {
		t.Fatalf("interrupt-map property not set as expected")
	}
}

func TestPatchPCINodeErrorsOnMissingPath(t *testing.T) {
	root := buildSampleTree()
	p := boot.NewFDTPatcher(root)
	if err := p.PatchPCINode("does-not-exist", nil, nil, nil, nil); err == nil {
		t.Fatalf("expected an error for a missing pci node path")
	}
}

func TestBuildSerializesPatchedTree(t *testing.T) {
	root := buildSampleTree()
	p := boot.NewFDTPatcher(root)
	p.KeepNodes("soc/uart@9000000")
	patched := p.Patch()

	blob, err := fdt.Build(patched)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(blob) == 0 {
		t.Fatalf("expected a non-empty blob")
	}
}
