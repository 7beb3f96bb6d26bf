// Package fdt builds and serializes Flattened Device Tree blobs, and
// gives boot.FDTPatcher a mutable in-memory tree to trim and patch
// before serialization.
package fdt

// Property holds one device-tree property value. Exactly one field
// should be populated.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

// Kind reports which field is populated, or "" if none are.
func (p Property) Kind() string {
	switch {
	case len(p.Strings) > 0:
		return "strings"
	case len(p.U32) > 0:
		return "u32"
	case len(p.U64) > 0:
		return "u64"
	case len(p.Bytes) > 0:
		return "bytes"
	case p.Flag:
		return "flag"
	default:
		return ""
	}
}

// Node is one device-tree node in an in-memory, mutable tree: boot's
// FDT patcher walks, prunes, and annotates a tree of these before it is
// serialized by Build.
type Node struct {
	Name       string
	Phandle    uint32
	Properties map[string]Property
	Children   []*Node
}

// NewNode creates an empty named node.
func NewNode(name string) *Node {
	return &Node{Name: name, Properties: map[string]Property{}}
}

// Child appends a child node and returns it, for fluent tree construction.
func (n *Node) Child(child *Node) *Node {
	n.Children = append(n.Children, child)
	return child
}

// SetProperty sets or replaces a property.
func (n *Node) SetProperty(name string, prop Property) {
	n.Properties[name] = prop
}

// Find resolves a '/'-separated path relative to n ("" or "/" means n
// itself).
func (n *Node) Find(path string) *Node {
	cur := n
	start := 0
	for start < len(path) {
		for start < len(path) && path[start] == '/' {
			start++
		}
		if start >= len(path) {
			break
		}
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		seg := path[start:end]
		var next *Node
		for _, c := range cur.Children {
			if c.Name == seg {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
		start = end
	}
	return cur
}

// FindPhandle searches the subtree rooted at n for a node whose phandle
// property equals handle.
func (n *Node) FindPhandle(handle uint32) *Node {
	if n.Phandle == handle {
		return n
	}
	for _, c := range n.Children {
		if found := c.FindPhandle(handle); found != nil {
			return found
		}
	}
	return nil
}

// Walk invokes fn for n and every descendant, pre-order, passing the
// full '/'-separated path from the walk's root.
func (n *Node) Walk(path string, fn func(path string, node *Node)) {
	fn(path, n)
	for _, c := range n.Children {
		c.Walk(path+"/"+c.Name, fn)
	}
}
