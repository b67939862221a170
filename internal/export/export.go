// Package export turns a session's live state — the merged call-path
// tree in tracing modes, or the folded-stack counter map in sampling
// mode — into the payload shapes spec.md §6 describes for dump().
package export

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/antsmallant/lprof/internal/calltree"
	"github.com/antsmallant/lprof/internal/strmap"
	"github.com/antsmallant/lprof/internal/symtab"
	"github.com/antsmallant/lprof/vmhost"
)

// Options controls optional payload fields, per spec.md §9's open
// questions: percentages are derivable at export and never baked into
// the data model, and mem fields are only emitted when the session ran
// with mem profiling enabled.
type Options struct {
	WithMem         bool
	WithPercentages bool
}

// Node is one exported call-path node, mirroring spec.md §6's dump
// shape: `"<name> <source>:<line>"`, call_count, cpu_cost_ns (self
// time), last_ret_time, and — in mem-profile mode — the inclusive
// allocation aggregates.
type Node struct {
	Name          string  `json:"name"`
	CallCount     uint64  `json:"call_count"`
	CPUCostNs     int64   `json:"cpu_cost_ns"`
	CPUCostPct    string  `json:"cpu_cost_percent,omitempty"`
	LastRetTimeNs int64   `json:"last_ret_time"`
	CPUSamples    uint64  `json:"cpu_samples,omitempty"`
	AllocBytes    uint64  `json:"alloc_bytes,omitempty"`
	FreeBytes     uint64  `json:"free_bytes,omitempty"`
	AllocTimes    uint64  `json:"alloc_times,omitempty"`
	FreeTimes     uint64  `json:"free_times,omitempty"`
	ReallocTimes  uint64  `json:"realloc_times,omitempty"`
	InuseBytes    uint64  `json:"inuse_bytes,omitempty"`
	ProfileCostNs *uint64 `json:"profile_cost_ns,omitempty"` // root only
	Children      []*Node `json:"children,omitempty"`
}

type inclusiveMemSums struct {
	allocBytes, freeBytes, allocTimes, freeTimes, reallocTimes uint64
}

// Tree walks tree and returns the root Node of a dump payload. profileCostNs
// is the session's accumulated hook self-overhead, exposed only on the
// root per spec.md §6.
func Tree(tree *calltree.Tree, profileCostNs uint64, opts Options) *Node {
	root, _ := buildNode(tree.Root(), nil, opts)
	pc := profileCostNs
	root.ProfileCostNs = &pc
	return root
}

func buildNode(n *calltree.Node, parent *calltree.Node, opts Options) (*Node, inclusiveMemSums) {
	out := &Node{
		Name:          fmt.Sprintf("%s %s:%d", n.Name, n.Source, n.Line),
		CallCount:     n.CallCount,
		CPUCostNs:     n.RealCostNs,
		LastRetTimeNs: n.LastReturnNs,
		CPUSamples:    n.CPUSamples,
	}

	sums := inclusiveMemSums{
		allocBytes:   n.AllocBytes,
		freeBytes:    n.FreeBytes,
		allocTimes:   n.AllocTimes,
		freeTimes:    n.FreeTimes,
		reallocTimes: n.ReallocTimes,
	}

	var childSelfCostSum int64
	n.EachChild(func(c *calltree.Node) {
		childNode, childSums := buildNode(c, n, opts)
		out.Children = append(out.Children, childNode)
		sums.allocBytes += childSums.allocBytes
		sums.freeBytes += childSums.freeBytes
		sums.allocTimes += childSums.allocTimes
		sums.freeTimes += childSums.freeTimes
		sums.reallocTimes += childSums.reallocTimes
		childSelfCostSum += childNode.CPUCostNs
	})
	sortChildren(out.Children)

	if parent == nil {
		// The root is never itself the target of a call; its own
		// real_cost stays at zero forever, so display the sum of its
		// direct children's self cost instead, matching the original
		// implementation's root-stat refresh at dump time.
		out.CPUCostNs = childSelfCostSum
	}

	if opts.WithMem {
		out.AllocBytes = sums.allocBytes
		out.FreeBytes = sums.freeBytes
		out.AllocTimes = sums.allocTimes
		out.FreeTimes = sums.freeTimes
		out.ReallocTimes = sums.reallocTimes
		if sums.allocBytes >= sums.freeBytes {
			out.InuseBytes = sums.allocBytes - sums.freeBytes
		}
	}

	if opts.WithPercentages {
		var parentCost int64
		if parent != nil {
			parentCost = parent.RealCostNs
		}
		if parentCost > 0 {
			out.CPUCostPct = fmt.Sprintf("%.2f", float64(out.CPUCostNs)/float64(parentCost)*100)
		} else {
			out.CPUCostPct = "100.00"
		}
	}

	return out, sums
}

func sortChildren(children []*Node) {
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
}

// Samples renders a sample-mode StrMap (keyed by "root;<proto>;<proto>…",
// per internal/sampler) into folded-stack text: one line per unique
// stack, `symbol1;symbol2;…;symbolN <count>\n`, names resolved from syms.
func Samples(counts *strmap.Map, syms *symtab.Table) string {
	type line struct {
		key   string
		count uint64
	}
	lines := make([]line, 0, counts.Len())
	counts.Each(func(key string, count uint64) { lines = append(lines, line{key, count}) })
	sort.Slice(lines, func(i, j int) bool { return lines[i].key < lines[j].key })

	var b strings.Builder
	for _, l := range lines {
		tokens := strings.Split(l.key, ";")
		for i, tok := range tokens {
			if i > 0 {
				b.WriteByte(';')
			}
			if tok == "root" {
				b.WriteString("root")
				continue
			}
			b.WriteString(resolveToken(tok, syms))
		}
		fmt.Fprintf(&b, " %d\n", l.count)
	}
	return b.String()
}

func resolveToken(tok string, syms *symtab.Table) string {
	n, err := strconv.ParseUint(strings.TrimPrefix(tok, "0x"), 16, 64)
	if err != nil {
		return tok
	}
	proto := vmhost.Proto(uintptr(n))
	info := syms.Resolve(proto, nil, nil, nil)
	return fmt.Sprintf("%s %s:%d", info.Name, info.Source, info.Line)
}
