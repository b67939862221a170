// Package simhost is a reference VM host used by lprof's own tests and by
// cmd/lprofctl's demo commands. It has no real bytecode interpreter:
// callers drive it directly ("call this prototype", "allocate N bytes",
// "advance the clock") and it fires the installed vmhost hooks exactly
// as a real embedding would, against a virtual monotonic clock the caller
// advances explicitly. That determinism is what makes the spec's
// end-to-end scenarios (spec.md §8) reproducible in a test.
package simhost

import (
	"fmt"
	"sync"

	"github.com/antsmallant/lprof/vmhost"
)

// Proto is a convenience constructor so call sites can write simhost.P(1)
// instead of vmhost.Proto(1).
func P(n uintptr) vmhost.Proto { return vmhost.Proto(n) }

// FuncInfo is the debug information simhost reports for a prototype the
// first time it is called.
type FuncInfo struct {
	Proto       vmhost.Proto
	What        string // "Lua" or "C"
	Name        string
	Source      string
	LineDefined int
}

type coroutine struct {
	id uint64
}

func (c *coroutine) ID() uint64 { return c.id }

type debugFrame struct {
	info        FuncInfo
	currentLine int
}

func (d *debugFrame) What() string        { return d.info.What }
func (d *debugFrame) Name() string        { return d.info.Name }
func (d *debugFrame) Source() string      { return d.info.Source }
func (d *debugFrame) LineDefined() int    { return d.info.LineDefined }
func (d *debugFrame) CurrentLine() int    { return d.currentLine }
func (d *debugFrame) FuncPointer() uintptr { return uintptr(d.info.Proto) }

type coState struct {
	co     *coroutine
	frames []*debugFrame
	hooks  vmhost.CallHooks
	count  vmhost.CountHooks
	gap    uint64
}

// Host is the in-process fake VM. Zero value is not usable; use New.
type Host struct {
	mu sync.Mutex

	clock int64
	coros map[uint64]*coState
	order []uint64
	nextCo uint64
	nextPtr uintptr

	allocHooks vmhost.AllocHooks
	gcStopped  bool
}

// New creates an empty Host whose virtual clock starts at 0.
func New() *Host {
	return &Host{
		coros:   make(map[uint64]*coState),
		nextCo:  1,
		nextPtr: 1,
	}
}

// NewCoroutine registers and returns a new coroutine handle.
func (h *Host) NewCoroutine() vmhost.Coroutine {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextCo
	h.nextCo++

	co := &coroutine{id: id}
	h.coros[id] = &coState{co: co}
	h.order = append(h.order, id)
	return co
}

// AdvanceClock moves the virtual monotonic clock forward by ns nanoseconds.
// Used to model both execution time and yielded/idle intervals.
func (h *Host) AdvanceClock(ns int64) {
	h.mu.Lock()
	h.clock += ns
	h.mu.Unlock()
}

func (h *Host) state(co vmhost.Coroutine) *coState {
	return h.coros[co.(*coroutine).id]
}

// Call fires a CALL or TAILCALL event for the given prototype on co,
// pushing a debug frame the tracer/sampler can introspect afterward.
func (h *Host) Call(co vmhost.Coroutine, event vmhost.Event, info FuncInfo) {
	h.mu.Lock()
	st := h.state(co)
	frame := &debugFrame{info: info, currentLine: info.LineDefined}
	if event == vmhost.EventTailCall && len(st.frames) > 0 {
		// A tail call reuses the caller's activation record instead of
		// growing the stack, mirroring the VM's own tail-call folding.
		st.frames[len(st.frames)-1] = frame
	} else {
		st.frames = append(st.frames, frame)
	}
	hooks := st.hooks
	h.mu.Unlock()

	if hooks != nil {
		hooks.OnCall(co, event, frame)
	}
}

// Return fires a RETURN event for co's innermost frame and pops it.
func (h *Host) Return(co vmhost.Coroutine) {
	h.mu.Lock()
	st := h.state(co)
	var frame *debugFrame
	if n := len(st.frames); n > 0 {
		frame = st.frames[n-1]
		st.frames = st.frames[:n-1]
	}
	hooks := st.hooks
	h.mu.Unlock()

	if hooks != nil {
		hooks.OnCall(co, vmhost.EventReturn, frame)
	}
}

// Alloc fires a pure-allocation event and returns the synthetic address.
func (h *Host) Alloc(co vmhost.Coroutine, size uint64) uintptr {
	h.mu.Lock()
	ptr := h.nextPtr
	h.nextPtr++
	hooks := h.allocHooks
	h.mu.Unlock()

	if hooks != nil {
		hooks.OnAlloc(co, 0, 0, size, ptr)
	}
	return ptr
}

// Free fires a pure-free event for ptr.
func (h *Host) Free(co vmhost.Coroutine, ptr uintptr, size uint64) {
	h.mu.Lock()
	hooks := h.allocHooks
	h.mu.Unlock()

	if hooks != nil {
		hooks.OnAlloc(co, ptr, size, 0, 0)
	}
}

// Realloc fires a realloc event; newPtr may equal ptr (in place) or be a
// fresh address (moved).
func (h *Host) Realloc(co vmhost.Coroutine, ptr uintptr, oldSize, newSize uint64, moved bool) uintptr {
	h.mu.Lock()
	newPtr := ptr
	if moved {
		newPtr = h.nextPtr
		h.nextPtr++
	}
	hooks := h.allocHooks
	h.mu.Unlock()

	if hooks != nil {
		hooks.OnAlloc(co, ptr, oldSize, newSize, newPtr)
	}
	return newPtr
}

// Count fires the installed count hook once for co. The gap programmed by
// InstallCountHook is recorded but not counted down: every Count call
// fires the hook.
func (h *Host) Count(co vmhost.Coroutine) {
	h.mu.Lock()
	st := h.state(co)
	hooks := st.count
	h.mu.Unlock()

	if hooks != nil {
		hooks.OnCount(co)
	}
}

// --- vmhost.Host ---

func (h *Host) Now() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *Host) Coroutines() []vmhost.Coroutine {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]vmhost.Coroutine, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.coros[id].co)
	}
	return out
}

func (h *Host) CurrentFrame(co vmhost.Coroutine, depth int) vmhost.DebugFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state(co)
	idx := len(st.frames) - 1 - depth
	if idx < 0 || idx >= len(st.frames) {
		return nil
	}
	return st.frames[idx]
}

func (h *Host) StackDepth(co vmhost.Coroutine) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.state(co).frames)
}

func (h *Host) InstallCallHooks(co vmhost.Coroutine, hooks vmhost.CallHooks) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state(co).hooks = hooks
	return nil
}

func (h *Host) RemoveCallHooks(co vmhost.Coroutine) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state(co).hooks = nil
	return nil
}

func (h *Host) InstallCountHook(co vmhost.Coroutine, gap uint64, hooks vmhost.CountHooks) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(co)
	st.count = hooks
	st.gap = gap
	return nil
}

func (h *Host) RemoveCountHook(co vmhost.Coroutine) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state(co).count = nil
	return nil
}

func (h *Host) InstallAllocHook(hooks vmhost.AllocHooks) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.allocHooks != nil {
		return fmt.Errorf("simhost: alloc hook already installed")
	}
	h.allocHooks = hooks
	return nil
}

func (h *Host) RemoveAllocHook() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allocHooks = nil
	return nil
}

func (h *Host) FullGC()   {}
func (h *Host) StopGC()   { h.gcStopped = true }
func (h *Host) ResumeGC() { h.gcStopped = false }
