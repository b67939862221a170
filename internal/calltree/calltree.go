// Package calltree implements the merged call-path tree: one node per
// distinct (parent, Prototype) pair, shared across every coroutine in a
// session. It is the structure CpuTracer and MemoryAttributor both write
// into and internal/export walks to produce a dump.
package calltree

import (
	"github.com/antsmallant/lprof/internal/intmap"
	"github.com/antsmallant/lprof/vmhost"
)

// Node is one call-path node. Counters are inclusive-of-self only; callers
// (internal/export) compute inclusive-of-subtree sums at dump time.
type Node struct {
	Parent *Node
	Depth  int

	Proto vmhost.Proto

	Name   string
	Source string
	Line   int
	named  bool

	CallCount     uint64
	RealCostNs    int64
	LastReturnNs  int64
	AllocBytes    uint64
	FreeBytes     uint64
	AllocTimes    uint64
	FreeTimes     uint64
	ReallocTimes  uint64
	CPUSamples    uint64

	children *intmap.Map

	// lastChild caches the most recently looked-up child so back-to-back
	// calls to the same site in a tight loop skip the intmap lookup. This
	// mirrors luaprofilecore.c's single-entry "anchor" cache.
	lastProto vmhost.Proto
	lastChild *Node
	hasLast   bool
}

// SetName fills in the node's display attributes the first time they are
// observed from the symbol table; later calls are no-ops (display
// attributes are immutable once set, matching spec.md §3).
func (n *Node) SetName(name, source string, line int) {
	if n.named {
		return
	}
	n.Name = name
	n.Source = source
	n.Line = line
	n.named = true
}

// ChildrenLen reports how many distinct children this node has.
func (n *Node) ChildrenLen() int {
	if n.children == nil {
		return 0
	}
	return n.children.Len()
}

// EachChild visits every child node in unspecified order.
func (n *Node) EachChild(visit func(*Node)) {
	if n.children == nil {
		return
	}
	n.children.Each(func(_ uint64, v any) bool {
		visit(v.(*Node))
		return true
	})
}

// Tree is the call-path tree for one profiling session.
type Tree struct {
	root *Node
}

// NewTree creates a tree with its root node already materialized. The
// root's synthetic name is "root" per spec.md §4.3; the root itself is
// never reachable via a Prototype lookup since nothing is its parent.
func NewTree() *Tree {
	root := &Node{Depth: 0}
	root.SetName("root", "", 0)
	return &Tree{root: root}
}

// Root returns the tree's sentinel root node.
func (t *Tree) Root() *Node { return t.root }

// GetOrCreateChild returns the existing child of parent keyed by key,
// creating it (depth = parent.Depth+1) on first observation.
func (t *Tree) GetOrCreateChild(parent *Node, key vmhost.Proto) *Node {
	if parent.hasLast && parent.lastProto == key {
		return parent.lastChild
	}

	if parent.children == nil {
		parent.children = intmap.New()
	}

	if v, ok := parent.children.Get(uint64(key)); ok {
		child := v.(*Node)
		parent.lastProto, parent.lastChild, parent.hasLast = key, child, true
		return child
	}

	child := &Node{
		Parent: parent,
		Depth:  parent.Depth + 1,
		Proto:  key,
	}
	parent.children.Set(uint64(key), child)
	parent.lastProto, parent.lastChild, parent.hasLast = key, child, true
	return child
}
