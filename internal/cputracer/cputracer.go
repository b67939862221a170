// Package cputracer implements the call/return hook that builds the
// merged call-path tree and attributes self-time to each node, excluding
// time the owning coroutine spent yielded, per spec.md §4.6.
package cputracer

import (
	"github.com/antsmallant/lprof/internal/calltree"
	"github.com/antsmallant/lprof/internal/frame"
	"github.com/antsmallant/lprof/internal/guard"
	"github.com/antsmallant/lprof/internal/intmap"
	"github.com/antsmallant/lprof/internal/metrics"
	"github.com/antsmallant/lprof/internal/symtab"
	"github.com/antsmallant/lprof/vmhost"
)

// CallState is the per-coroutine bookkeeping the tracer carries: its
// bounded frame stack and the timestamp it was last left running (used to
// exclude yielded intervals from self-cost).
type CallState struct {
	co        vmhost.Coroutine
	stack     frame.Stack
	leaveTime int64
}

// Stack exposes the live frame stack, read by the memory attributor to
// find the current leaf node and by the sampler for a live walk.
func (cs *CallState) Stack() *frame.Stack { return &cs.stack }

// Tracer installs as a vmhost.CallHooks on every hooked coroutine and
// feeds a shared calltree.Tree and symtab.Table.
type Tracer struct {
	host  vmhost.Host
	tree  *calltree.Tree
	syms  *symtab.Table
	guard *guard.Guard
	m     *metrics.Metrics

	// trackCost controls whether self-cost is accumulated. When the
	// session runs with cpu="off" but mem="profile", the hook still
	// installs (memory attribution needs the current leaf) but records
	// no CPU timing, matching the session's decision in internal/session.
	trackCost bool

	ready bool

	states *intmap.Map // coroutine ID -> *CallState
	cur    *CallState

	profileCostNs uint64
}

// New creates a Tracer sharing tree and syms with the rest of the session.
// m may be nil; every metrics call tolerates it.
func New(host vmhost.Host, tree *calltree.Tree, syms *symtab.Table, g *guard.Guard, trackCost bool, m *metrics.Metrics) *Tracer {
	return &Tracer{
		host:      host,
		tree:      tree,
		syms:      syms,
		guard:     g,
		trackCost: trackCost,
		m:         m,
		states:    intmap.New(),
	}
}

// SetReady toggles whether the hook processes events at all; false drops
// every event, per spec.md §4.6 step 2.
func (t *Tracer) SetReady(ready bool) { t.ready = ready }

// ProfileCostNs returns the accumulated hook self-overhead, exposed on
// the root node at dump time.
func (t *Tracer) ProfileCostNs() uint64 { return t.profileCostNs }

// CurrentLeaf returns the node at the top of co's live stack, or the
// tree root if co has no live frames (or is unknown), for the memory
// attributor to attach an allocation to.
func (t *Tracer) CurrentLeaf(co vmhost.Coroutine) *calltree.Node {
	cs := t.stateFor(co)
	if top := cs.stack.Current(); top != nil {
		return top.Node
	}
	return t.tree.Root()
}

// stateFor locates or creates the CallState for co without mutating
// t.cur; used both by OnCall and by CurrentLeaf (read-only callers).
func (t *Tracer) stateFor(co vmhost.Coroutine) *CallState {
	id := co.ID()
	if v, ok := t.states.Get(id); ok {
		return v.(*CallState)
	}
	cs := &CallState{co: co}
	t.states.Set(id, cs)
	return cs
}

// OnCall implements vmhost.CallHooks.
func (t *Tracer) OnCall(co vmhost.Coroutine, event vmhost.Event, df vmhost.DebugFrame) {
	tEntry := t.host.Now()

	if !t.ready {
		return
	}
	if !t.guard.TryEnter() {
		return
	}
	defer func() {
		tExit := t.host.Now()
		t.profileCostNs += uint64(tExit - tEntry)
		t.guard.Exit()
	}()

	t.m.ObserveHookEvent(metrics.HookCallReturn)

	cs := t.stateFor(co)
	if t.cur != cs {
		if t.cur != nil {
			t.cur.leaveTime = tEntry
		}
		t.cur = cs
	}

	if cs.leaveTime != 0 {
		coCost := tEntry - cs.leaveTime
		cs.stack.Each(func(f *frame.CallFrame) { f.CoCost += coCost })
		cs.leaveTime = 0
	}

	switch event {
	case vmhost.EventCall, vmhost.EventTailCall:
		t.onEnter(cs, event, df, tEntry)
	case vmhost.EventReturn:
		t.onReturn(cs, tEntry)
	}
}

func (t *Tracer) onEnter(cs *CallState, event vmhost.Event, df vmhost.DebugFrame, tEntry int64) {
	proto := vmhost.Proto(df.FuncPointer())

	parent := t.tree.Root()
	if top := cs.stack.Current(); top != nil {
		parent = top.Node
		if event == vmhost.EventTailCall {
			// A tail call replaces the caller's activation, so the callee
			// hangs off the caller's parent, not off the caller.
			parent = top.Node.Parent
		}
	}

	node := t.tree.GetOrCreateChild(parent, proto)
	node.CallCount++

	info := t.syms.Resolve(proto, df, cs.co, t.host)
	node.SetName(info.Name, info.Source, info.Line)

	cs.stack.Push(frame.CallFrame{
		Proto:    proto,
		Node:     node,
		Tail:     event == vmhost.EventTailCall,
		CallTime: tEntry,
	})
}

// onReturn pops one return's worth of frames: the innermost frame and,
// for as long as the frame just popped was entered by a tail call, the
// frame beneath it as well, per spec.md's tail-call policy.
func (t *Tracer) onReturn(cs *CallState, tExit int64) {
	for {
		f := cs.stack.Pop()
		if t.trackCost {
			total := tExit - f.CallTime
			real := total - f.CoCost
			f.Node.RealCostNs += real
			f.Node.LastReturnNs = tExit
		}
		if !f.Tail {
			return
		}
	}
}
