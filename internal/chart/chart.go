// Package chart renders a dump or sample payload as an HTML bar chart,
// the visual companion to the table cmd/lprofctl prints to the
// terminal. It never touches the call tree directly — it reads
// internal/export's payload shapes and the sampler's strmap counts — so
// it does not import internal/calltree or vmhost.
package chart

import (
	"io"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/antsmallant/lprof/internal/export"
	"github.com/antsmallant/lprof/internal/strmap"
)

// TopN bounds how many bars a chart draws; the rest are left out, and the
// chart's subtitle states how many were dropped, so truncation stays
// visible in the chart itself.
const TopN = 20

// HotNode is one flattened, sortable entry from a dump's node tree.
type HotNode struct {
	Name      string
	CPUCostNs int64
}

// FlattenHottest walks root and its descendants, returning every node
// sorted by self CPU cost descending.
func FlattenHottest(root *export.Node) []HotNode {
	var out []HotNode
	var walk func(n *export.Node)
	walk = func(n *export.Node) {
		out = append(out, HotNode{Name: n.Name, CPUCostNs: n.CPUCostNs})
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	sort.Slice(out, func(i, j int) bool { return out[i].CPUCostNs > out[j].CPUCostNs })
	return out
}

// RenderHotNodes writes an HTML bar chart of the hottest call-path
// nodes by self CPU cost to w.
func RenderHotNodes(w io.Writer, root *export.Node, title string) error {
	nodes := FlattenHottest(root)
	nodes, dropped := clamp(nodes)

	labels := make([]string, 0, len(nodes))
	data := make([]opts.BarData, 0, len(nodes))
	for _, n := range nodes {
		labels = append(labels, n.Name)
		data = append(data, opts.BarData{Value: n.CPUCostNs})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: subtitle("self cpu_cost_ns, top nodes", dropped),
		}),
		charts.WithXAxisOpts(opts.XAxis{Name: "node", AxisLabel: &opts.AxisLabel{Rotate: 45}}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ns"}),
	)
	bar.SetXAxis(labels).AddSeries("cpu_cost_ns", data)

	return bar.Render(w)
}

// RenderTopStacks writes an HTML bar chart of the most frequently
// sampled folded stacks to w.
func RenderTopStacks(w io.Writer, counts *strmap.Map, title string) error {
	type entry struct {
		key   string
		count uint64
	}
	var entries []entry
	counts.Each(func(key string, count uint64) { entries = append(entries, entry{key, count}) })
	sort.Slice(entries, func(i, j int) bool { return entries[i].count > entries[j].count })

	var dropped int
	if len(entries) > TopN {
		dropped = len(entries) - TopN
		entries = entries[:TopN]
	}

	labels := make([]string, 0, len(entries))
	data := make([]opts.BarData, 0, len(entries))
	for _, e := range entries {
		labels = append(labels, e.key)
		data = append(data, opts.BarData{Value: e.count})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: subtitle("sample count, top folded stacks", dropped),
		}),
		charts.WithXAxisOpts(opts.XAxis{Name: "stack", AxisLabel: &opts.AxisLabel{Rotate: 45}}),
		charts.WithYAxisOpts(opts.YAxis{Name: "samples"}),
	)
	bar.SetXAxis(labels).AddSeries("samples", data)

	return bar.Render(w)
}

func clamp(nodes []HotNode) ([]HotNode, int) {
	if len(nodes) <= TopN {
		return nodes, 0
	}
	return nodes[:TopN], len(nodes) - TopN
}

func subtitle(base string, dropped int) string {
	if dropped == 0 {
		return base
	}
	return base + " (truncated, " + strconv.Itoa(dropped) + " more not shown)"
}
