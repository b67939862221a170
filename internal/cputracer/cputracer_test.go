package cputracer

import (
	"testing"

	"github.com/antsmallant/lprof/internal/calltree"
	"github.com/antsmallant/lprof/internal/guard"
	"github.com/antsmallant/lprof/internal/symtab"
	"github.com/antsmallant/lprof/vmhost"
	"github.com/antsmallant/lprof/vmhost/simhost"
)

func newTracer(h *simhost.Host) (*Tracer, *calltree.Tree) {
	tree := calltree.NewTree()
	syms := symtab.New()
	var g guard.Guard
	tr := New(h, tree, syms, &g, true, nil)
	tr.SetReady(true)
	return tr, tree
}

func TestSiblingsDoNotMergeEndToEnd(t *testing.T) {
	h := simhost.New()
	tr, tree := newTracer(h)

	co := h.NewCoroutine()
	if err := h.InstallCallHooks(co, tr); err != nil {
		t.Fatalf("InstallCallHooks: %v", err)
	}

	h.Call(co, vmhost.EventCall, simhost.FuncInfo{Proto: simhost.P(1), What: "Lua", Name: "outer", Source: "s.lua", LineDefined: 1})
	h.Call(co, vmhost.EventCall, simhost.FuncInfo{Proto: simhost.P(2), What: "C", Name: "tonumber"})
	h.Return(co)
	h.Call(co, vmhost.EventCall, simhost.FuncInfo{Proto: simhost.P(3), What: "C", Name: "print"})
	h.Return(co)
	h.Return(co)

	outer := tree.Root()
	outer.EachChild(func(n *calltree.Node) { outer = n })

	if outer.ChildrenLen() != 2 {
		t.Fatalf("outer.ChildrenLen() = %d, want 2", outer.ChildrenLen())
	}

	var tonumberCount, printCount uint64
	outer.EachChild(func(n *calltree.Node) {
		switch n.Name {
		case "tonumber":
			tonumberCount = n.CallCount
		case "print":
			printCount = n.CallCount
		}
	})
	if tonumberCount != 1 || printCount != 1 {
		t.Fatalf("tonumberCount=%d printCount=%d, want 1 and 1", tonumberCount, printCount)
	}
}

func TestTailRecursionCollapsesOnOneReturn(t *testing.T) {
	h := simhost.New()
	tr, tree := newTracer(h)

	co := h.NewCoroutine()
	h.InstallCallHooks(co, tr)

	fInfo := simhost.FuncInfo{Proto: simhost.P(42), What: "Lua", Name: "f", Source: "s.lua", LineDefined: 1}

	h.Call(co, vmhost.EventCall, fInfo) // f(1000), non-tail
	for i := 0; i < 1000; i++ {
		h.Call(co, vmhost.EventTailCall, fInfo) // f(999) .. f(0), each a tail call
	}

	var fNode *calltree.Node
	tree.Root().EachChild(func(n *calltree.Node) { fNode = n })
	if fNode == nil {
		t.Fatalf("f node not created")
	}
	if fNode.CallCount != 1001 {
		t.Fatalf("CallCount = %d, want 1001", fNode.CallCount)
	}

	// One RETURN event must collapse the whole tail chain.
	h.Return(co)

	if h.StackDepth(co) != 0 {
		t.Fatalf("host stack depth = %d, want 0 after collapsing return", h.StackDepth(co))
	}
	if fNode.RealCostNs < 0 {
		t.Fatalf("RealCostNs = %d, want >= 0", fNode.RealCostNs)
	}
}

func TestCoroutineYieldExcludedFromEnclosingRealCost(t *testing.T) {
	h := simhost.New()
	tr, tree := newTracer(h)

	main := h.NewCoroutine()
	a := h.NewCoroutine()
	h.InstallCallHooks(main, tr)
	h.InstallCallHooks(a, tr)

	resumeInfo := simhost.FuncInfo{Proto: simhost.P(100), What: "C", Name: "resume"}
	aInfo := simhost.FuncInfo{Proto: simhost.P(1), What: "Lua", Name: "A", Source: "co.lua", LineDefined: 1}
	workInfo := simhost.FuncInfo{Proto: simhost.P(2), What: "Lua", Name: "work", Source: "co.lua", LineDefined: 10}

	// main resumes A for the first burst of work.
	h.Call(main, vmhost.EventCall, resumeInfo)
	h.Call(a, vmhost.EventCall, aInfo)
	h.Call(a, vmhost.EventCall, workInfo)
	h.AdvanceClock(5)
	h.Return(a) // work() returns after 5ns

	// A yields: control returns to main.
	h.Return(main)

	// Main sleeps 10ns while A is fully suspended.
	h.AdvanceClock(10)

	// Main resumes A for the second burst of work.
	h.Call(main, vmhost.EventCall, resumeInfo)
	h.Call(a, vmhost.EventCall, workInfo)
	h.AdvanceClock(5)
	h.Return(a) // work() returns after another 5ns

	h.Return(main) // resume() returns
	h.Return(a)    // A's enclosing function itself returns

	var aNode, workNode *calltree.Node
	tree.Root().EachChild(func(n *calltree.Node) {
		if n.Name == "A" {
			aNode = n
		}
	})
	if aNode == nil {
		t.Fatalf("A node not created")
	}
	aNode.EachChild(func(n *calltree.Node) {
		if n.Name == "work" {
			workNode = n
		}
	})
	if workNode == nil {
		t.Fatalf("work node not created")
	}

	if workNode.RealCostNs != 10 {
		t.Fatalf("work.RealCostNs = %d, want 10 (two 5ns bursts)", workNode.RealCostNs)
	}
	if aNode.RealCostNs != 10 {
		t.Fatalf("A.RealCostNs = %d, want 10 (2x work duration, 10ns sleep excluded)", aNode.RealCostNs)
	}
}

func TestProfileCostZeroWhenClockStillDuringHooks(t *testing.T) {
	h := simhost.New()
	tr, _ := newTracer(h)
	co := h.NewCoroutine()
	h.InstallCallHooks(co, tr)

	h.Call(co, vmhost.EventCall, simhost.FuncInfo{Proto: simhost.P(1), What: "Lua", Name: "f"})
	h.Return(co)

	if tr.ProfileCostNs() != 0 {
		t.Fatalf("ProfileCostNs() = %d, want 0 (simhost clock does not advance within a single hook call)", tr.ProfileCostNs())
	}
}

func TestNotReadyDropsEvents(t *testing.T) {
	h := simhost.New()
	tree := calltree.NewTree()
	syms := symtab.New()
	var g guard.Guard
	tr := New(h, tree, syms, &g, true, nil)
	// tr.SetReady(true) intentionally omitted

	co := h.NewCoroutine()
	h.InstallCallHooks(co, tr)
	h.Call(co, vmhost.EventCall, simhost.FuncInfo{Proto: simhost.P(1), What: "Lua", Name: "f"})

	if tree.Root().ChildrenLen() != 0 {
		t.Fatalf("ChildrenLen() = %d, want 0 while tracer is not ready", tree.Root().ChildrenLen())
	}
}

func TestCurrentLeafTracksLiveStack(t *testing.T) {
	h := simhost.New()
	tr, tree := newTracer(h)
	co := h.NewCoroutine()
	h.InstallCallHooks(co, tr)

	if tr.CurrentLeaf(co) != tree.Root() {
		t.Fatalf("CurrentLeaf() on empty stack != root")
	}

	h.Call(co, vmhost.EventCall, simhost.FuncInfo{Proto: simhost.P(1), What: "Lua", Name: "f"})
	leaf := tr.CurrentLeaf(co)
	if leaf == tree.Root() || leaf.Name != "f" {
		t.Fatalf("CurrentLeaf() = %+v, want node f", leaf)
	}

	h.Return(co)
	if tr.CurrentLeaf(co) != tree.Root() {
		t.Fatalf("CurrentLeaf() after return != root")
	}
}
