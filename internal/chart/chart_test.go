package chart

import (
	"strings"
	"testing"

	"github.com/antsmallant/lprof/internal/export"
	"github.com/antsmallant/lprof/internal/strmap"
)

func TestFlattenHottestSortsBySelfCostDescending(t *testing.T) {
	root := &export.Node{
		Name:      "root :0",
		CPUCostNs: 30,
		Children: []*export.Node{
			{Name: "a", CPUCostNs: 10, Children: []*export.Node{
				{Name: "a.child", CPUCostNs: 25},
			}},
			{Name: "b", CPUCostNs: 20},
		},
	}

	flat := FlattenHottest(root)
	if len(flat) != 4 {
		t.Fatalf("len(flat) = %d, want 4", len(flat))
	}
	if flat[1].Name != "a.child" || flat[1].CPUCostNs != 25 {
		t.Fatalf("flat[1] = %+v, want a.child/25 right after the root (30)", flat[1])
	}
	for i := 1; i < len(flat); i++ {
		if flat[i].CPUCostNs > flat[i-1].CPUCostNs {
			t.Fatalf("not sorted descending at %d: %+v", i, flat)
		}
	}
}

func TestClampReportsDroppedCount(t *testing.T) {
	nodes := make([]HotNode, TopN+5)
	clamped, dropped := clamp(nodes)
	if len(clamped) != TopN {
		t.Fatalf("len(clamped) = %d, want %d", len(clamped), TopN)
	}
	if dropped != 5 {
		t.Fatalf("dropped = %d, want 5", dropped)
	}
}

func TestClampPassesThroughWhenUnderLimit(t *testing.T) {
	nodes := make([]HotNode, 3)
	clamped, dropped := clamp(nodes)
	if len(clamped) != 3 || dropped != 0 {
		t.Fatalf("clamp(3 nodes) = (%d, %d), want (3, 0)", len(clamped), dropped)
	}
}

func TestRenderHotNodesProducesHTMLWithTitle(t *testing.T) {
	root := &export.Node{
		Name:      "root :0",
		CPUCostNs: 5,
		Children: []*export.Node{
			{Name: "outer s.lua:1", CPUCostNs: 5},
		},
	}

	var b strings.Builder
	if err := RenderHotNodes(&b, root, "demo run"); err != nil {
		t.Fatalf("RenderHotNodes: %v", err)
	}
	html := b.String()
	if !strings.Contains(html, "demo run") {
		t.Fatalf("rendered HTML missing title, got: %.200s", html)
	}
	if !strings.Contains(html, "outer s.lua:1") {
		t.Fatalf("rendered HTML missing node label, got: %.200s", html)
	}
}

func TestRenderTopStacksProducesHTML(t *testing.T) {
	counts := strmap.New(4)
	counts.Add("root;outer s.lua:1", 3)
	counts.Add("root;outer s.lua:1;inner s.lua:5", 7)

	var b strings.Builder
	if err := RenderTopStacks(&b, counts, "samples"); err != nil {
		t.Fatalf("RenderTopStacks: %v", err)
	}
	html := b.String()
	if !strings.Contains(html, "samples") {
		t.Fatalf("rendered HTML missing title, got: %.200s", html)
	}
}
