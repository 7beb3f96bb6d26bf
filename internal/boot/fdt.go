package boot

import (
	"fmt"

	"github.com/tinyrange/sel4vm/internal/debug"
	"github.com/tinyrange/sel4vm/internal/fdt"
)

// keepFlag mirrors fdtgen's device_flag: a node either survives as-is, or
// survives with status set to "disabled" the first time it is visited.
type keepFlag int

const (
	keepNormal keepFlag = iota
	keepAndDisable
)

// depProps are the properties fdtgen chases phandle references through,
// per spec §4.7's "chases cross-references along the properties...".
var depProps = []string{"phy-handle", "next-level-cache", "interrupt-parent", "interrupts-extended", "clocks", "power-domains"}

// FDTPatcher trims a device-tree fragment down to an explicit keep list
// plus everything that list transitively depends on, then patches the
// PCI node with the emulated platform's topology.
type FDTPatcher struct {
	root *fdt.Node
	keep map[*fdt.Node]keepFlag
}

// NewFDTPatcher wraps root for trimming and patching. root is mutated in
// place by Patch.
func NewFDTPatcher(root *fdt.Node) *FDTPatcher {
	return &FDTPatcher{root: root, keep: make(map[*fdt.Node]keepFlag)}
}

// KeepNodes marks the nodes at the given paths (and everything they
// depend on) to survive trimming unmodified.
func (p *FDTPatcher) KeepNodes(paths ...string) {
	p.markKeep(paths, keepNormal)
}

// KeepNodesAndDisable marks the nodes at the given paths to survive
// trimming with status="disabled" set on first visit.
func (p *FDTPatcher) KeepNodesAndDisable(paths ...string) {
	p.markKeep(paths, keepAndDisable)
}

func (p *FDTPatcher) markKeep(paths []string, flag keepFlag) {
	for _, path := range paths {
		n := p.root.Find(path)
		if n == nil {
			debug.Writef("boot.fdt", "keep-list path %q not found, skipping", path)
			continue
		}
		p.keep[n] = flag
	}
}

// chaseDependencies walks every explicitly-kept node's properties,
// resolving phandle references through depProps and transitively keeping
// whatever they point at, per fdtgen's register_node_dependencies /
// register_single_dependency.
func (p *FDTPatcher) chaseDependencies() {
	visited := make(map[*fdt.Node]bool)
	var visit func(n *fdt.Node)
	visit = func(n *fdt.Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, propName := range depProps {
			prop, ok := n.Properties[propName]
			if !ok {
				continue
			}
			for _, target := range p.resolveDependency(n, propName, prop) {
				if _, already := p.keep[target]; !already {
					p.keep[target] = keepNormal
				}
				visit(target)
			}
		}
	}
	for n := range p.keep {
		visit(n)
	}
}

// resolveDependency decodes one property's phandle references, per
// fdtgen's register_clocks_dependency (cells sized by the target's
// #clock-cells), register_power_domains_dependency (one cell per
// entry), and the single-phandle case for everything else.
func (p *FDTPatcher) resolveDependency(from *fdt.Node, propName string, prop fdt.Property) []*fdt.Node {
	var targets []*fdt.Node
	switch propName {
	case "clocks":
		for i := 0; i < len(prop.U32); {
			target := p.root.FindPhandle(prop.U32[i])
			i++
			if target == nil {
				continue
			}
			targets = append(targets, target)
			if cells, ok := target.Properties["#clock-cells"]; ok && len(cells.U32) > 0 {
				i += int(cells.U32[0])
			}
		}
	case "power-domains":
		for _, handle := range prop.U32 {
			if target := p.root.FindPhandle(handle); target != nil {
				targets = append(targets, target)
			}
		}
	default:
		if len(prop.U32) == 0 {
			return nil
		}
		if target := p.root.FindPhandle(prop.U32[0]); target != nil {
			targets = append(targets, target)
		}
	}
	return targets
}

// findAncestors marks every ancestor of a kept node as kept, the
// "prefix traverse... keep the parent if the child is kept" pass.
func (p *FDTPatcher) findAncestors() {
	var walk func(n *fdt.Node) bool
	walk = func(n *fdt.Node) bool {
		_, keptDirectly := p.keep[n]
		anyChildKept := false
		for _, c := range n.Children {
			if walk(c) {
				anyChildKept = true
			}
		}
		if anyChildKept {
			if _, ok := p.keep[n]; !ok {
				p.keep[n] = keepNormal
			}
		}
		return keptDirectly || anyChildKept
	}
	walk(p.root)
}

// trim deletes every node not in the keep set with one filter pass over
// each Children slice, then recurses into the kept children. Deleting
// from a Go slice invalidates nothing, so the sibling scan is never
// restarted; each node still gets the same keep/delete/disable-on-first-
// visit decision.
func (p *FDTPatcher) trim(n *fdt.Node) {
	kept := n.Children[:0]
	for _, c := range n.Children {
		flag, ok := p.keep[c]
		if !ok {
			continue
		}
		if flag == keepAndDisable {
			if _, already := c.Properties["status"]; !already {
				c.SetProperty("status", fdt.Property{Strings: []string{"disabled"}})
			}
		}
		p.trim(c)
		kept = append(kept, c)
	}
	n.Children = kept
}

// Patch runs the five-pass trim/keep/patch/disable algorithm and returns
// the mutated root, ready for fdt.Build.
func (p *FDTPatcher) Patch() *fdt.Node {
	p.chaseDependencies()
	p.findAncestors()
	p.trim(p.root)
	return p.root
}

// PatchPCINode sets the reg/ranges/interrupt-map[-mask] properties the
// emulated vPCI space needs on the node at path, per spec §4.7 step 5.
// addressCells/sizeCells select 1- or 2-cell interrupt numbers in the
// interrupt-map, per spec §6's "GIC_ADDRESS_CELLS".
func (p *FDTPatcher) PatchPCINode(path string, reg []uint32, ranges []uint32, interruptMap []uint32, interruptMapMask []uint32) error {
	n := p.root.Find(path)
	if n == nil {
		return fmt.Errorf("boot: pci node %q not found", path)
	}
	n.SetProperty("reg", fdt.Property{U32: reg})
	n.SetProperty("ranges", fdt.Property{U32: ranges})
	n.SetProperty("interrupt-map", fdt.Property{U32: interruptMap})
	n.SetProperty("interrupt-map-mask", fdt.Property{U32: interruptMapMask})
	debug.Writef("boot.fdt", "patched pci node %q: %d ranges cells, %d interrupt-map cells", path, len(ranges), len(interruptMap))
	return nil
}
