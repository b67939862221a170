// Package memattr implements the allocator hook that attributes bytes and
// allocation counts to the call-path node that was live when the bytes
// were allocated, per spec.md §4.7. Frees and reallocs credit the
// allocating node, not whatever node happens to be current when the
// memory is released — that is the whole point of tracking an owning
// node per live allocation.
package memattr

import (
	"github.com/antsmallant/lprof/internal/calltree"
	"github.com/antsmallant/lprof/internal/guard"
	"github.com/antsmallant/lprof/internal/intmap"
	"github.com/antsmallant/lprof/internal/metrics"
	"github.com/antsmallant/lprof/vmhost"
)

// LeafLocator answers "which node is the current coroutine's stack
// sitting on right now" — satisfied by *cputracer.Tracer. Kept as an
// interface here to avoid memattr depending on cputracer's package.
type LeafLocator interface {
	CurrentLeaf(co vmhost.Coroutine) *calltree.Node
}

// AllocRecord is the bookkeeping kept for one live allocation: which node
// is on the hook for its eventual free, and how many bytes it holds
// right now (so realloc-shrink doesn't over-credit a free).
type AllocRecord struct {
	OwningNode *calltree.Node
	LiveBytes  uint64
}

// Attributor installs as a vmhost.AllocHooks, process-wide (there is one
// allocator per VM, unlike the per-coroutine call/return hook).
type Attributor struct {
	leaf  LeafLocator
	guard *guard.Guard
	ready bool
	m     *metrics.Metrics

	records *intmap.Map // pointer -> *AllocRecord
}

// New creates an Attributor backed by leaf for current-node lookups. m
// may be nil; every metrics call tolerates it.
func New(leaf LeafLocator, g *guard.Guard, m *metrics.Metrics) *Attributor {
	return &Attributor{leaf: leaf, guard: g, m: m, records: intmap.New()}
}

// SetReady toggles whether the hook attributes anything; false drops
// every event, per spec.md §4.7 step 2.
func (a *Attributor) SetReady(ready bool) { a.ready = ready }

// OnAlloc implements vmhost.AllocHooks. The host has already performed
// the real allocation/free/realloc by the time this fires; lprof only
// observes and attributes. An alloc or realloc that reports newPtr 0
// (the host allocator failed) is not attributed.
func (a *Attributor) OnAlloc(co vmhost.Coroutine, ptr uintptr, oldSize, newSize uint64, newPtr uintptr) {
	if !a.ready {
		return
	}
	if !a.guard.TryEnter() {
		return
	}
	defer a.guard.Exit()

	a.m.ObserveHookEvent(metrics.HookAlloc)

	if newSize > 0 && newPtr == 0 {
		return
	}

	switch {
	case oldSize == 0 && newSize > 0:
		a.onPureAlloc(co, newSize, newPtr)
	case oldSize > 0 && newSize == 0:
		a.onPureFree(ptr)
	case oldSize > 0 && newSize > 0:
		a.onRealloc(co, ptr, oldSize, newSize, newPtr)
	}
}

func (a *Attributor) onPureAlloc(co vmhost.Coroutine, newSize uint64, newPtr uintptr) {
	leaf := a.leaf.CurrentLeaf(co)
	leaf.AllocBytes += newSize
	leaf.AllocTimes++
	a.records.Set(uint64(newPtr), &AllocRecord{OwningNode: leaf, LiveBytes: newSize})
}

func (a *Attributor) onPureFree(ptr uintptr) {
	v, ok := a.records.Remove(uint64(ptr))
	if !ok {
		return
	}
	rec := v.(*AllocRecord)
	if rec.LiveBytes > 0 {
		rec.OwningNode.FreeBytes += rec.LiveBytes
		rec.OwningNode.FreeTimes++
	}
}

func (a *Attributor) onRealloc(co vmhost.Coroutine, ptr uintptr, oldSize, newSize uint64, newPtr uintptr) {
	leaf := a.leaf.CurrentLeaf(co)

	v, ok := a.records.Get(uint64(ptr))
	if ok {
		rec := v.(*AllocRecord)
		rec.OwningNode.FreeBytes += oldSize // no FreeTimes bump: churn, not a free event
	}

	leaf.AllocBytes += newSize
	leaf.ReallocTimes++ // no AllocTimes bump: churn, not a fresh allocation

	newRec := &AllocRecord{OwningNode: leaf, LiveBytes: newSize}
	if newPtr != ptr {
		a.records.Remove(uint64(ptr))
	}
	a.records.Set(uint64(newPtr), newRec)
}
