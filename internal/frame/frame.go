// Package frame implements the bounded per-coroutine call stack CpuTracer
// pushes and pops frames on, per spec.md §4.5.
package frame

import (
	"fmt"

	"github.com/antsmallant/lprof/internal/calltree"
	"github.com/antsmallant/lprof/vmhost"
)

// Capacity is the fixed bound on live frames per coroutine. Exceeding it
// is a logic error in the hook (or a pathologically deep script), never a
// condition the caller is expected to recover from — see spec.md §7 and
// §9 "Bounded stacks".
const Capacity = 1024

// CallFrame is one push on a coroutine's stack.
type CallFrame struct {
	Proto    vmhost.Proto
	Node     *calltree.Node
	Tail     bool
	CallTime int64
	CoCost   int64
}

// Stack is a fixed-capacity array of CallFrame for one coroutine.
type Stack struct {
	frames [Capacity]CallFrame
	top    int // number of live frames; frames[0:top] are valid
}

// Len reports the number of live frames.
func (s *Stack) Len() int { return s.top }

// Push adds a new frame, returning a pointer into the backing array that
// stays valid until the next Pop of that same frame (the array never
// reallocates).
func (s *Stack) Push(f CallFrame) *CallFrame {
	if s.top >= Capacity {
		panic(fmt.Sprintf("frame: stack overflow, capacity %d exceeded", Capacity))
	}
	s.frames[s.top] = f
	p := &s.frames[s.top]
	s.top++
	return p
}

// Pop removes and returns the top frame.
func (s *Stack) Pop() CallFrame {
	if s.top == 0 {
		panic("frame: pop on empty stack")
	}
	s.top--
	return s.frames[s.top]
}

// Current returns a pointer to the top frame, or nil if the stack is
// empty.
func (s *Stack) Current() *CallFrame {
	if s.top == 0 {
		return nil
	}
	return &s.frames[s.top-1]
}

// At returns a pointer to the frame at the given index (0 = bottom of
// stack), or nil if index is out of range. Used by the sampler to walk a
// live stack without popping it.
func (s *Stack) At(index int) *CallFrame {
	if index < 0 || index >= s.top {
		return nil
	}
	return &s.frames[index]
}

// Each visits every live frame from bottom to top.
func (s *Stack) Each(visit func(*CallFrame)) {
	for i := 0; i < s.top; i++ {
		visit(&s.frames[i])
	}
}
