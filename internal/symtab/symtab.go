// Package symtab resolves a vmhost.Proto to a display (name, source,
// line) triple the first time it is seen and memoizes the result for the
// rest of the session, matching spec.md §4.4.
package symtab

import (
	"fmt"

	"github.com/antsmallant/lprof/internal/intmap"
	"github.com/antsmallant/lprof/vmhost"
)

// Info is the memoized resolution for one Prototype.
type Info struct {
	Name   string
	Source string
	Line   int
}

// Table memoizes Proto -> Info for one session's lifetime.
type Table struct {
	interned *intmap.Map
}

// New creates an empty symbol table.
func New() *Table {
	return &Table{interned: intmap.New()}
}

// Resolve returns the memoized Info for proto, computing and interning it
// on first resolution. frame is the debug frame observed at call time;
// host is used to walk outward past native frames looking for the
// nearest non-native frame's current line/source, per spec.md §4.4.
func (t *Table) Resolve(proto vmhost.Proto, frame vmhost.DebugFrame, co vmhost.Coroutine, host vmhost.Host) Info {
	if v, ok := t.interned.Get(uint64(proto)); ok {
		return v.(Info)
	}

	info := resolve(proto, frame, co, host)
	t.interned.Set(uint64(proto), info)
	return info
}

func resolve(proto vmhost.Proto, frame vmhost.DebugFrame, co vmhost.Coroutine, host vmhost.Host) Info {
	if frame == nil {
		return Info{Name: fmt.Sprintf("cfunc@%s", proto), Source: "=[C]", Line: 0}
	}

	if frame.What() == "C" {
		source, line := walkOutwardForSource(co, host)
		name := frame.Name()
		if name == "" {
			name = fmt.Sprintf("cfunc@%s", proto)
		}
		if source == "" {
			source = "=[C]"
		}
		return Info{Name: name, Source: source, Line: line}
	}

	name := frame.Name()
	if name == "" {
		if frame.LineDefined() != 0 {
			name = "anonymous"
		} else {
			name = "chunk"
		}
	}

	return Info{Name: name, Source: frame.Source(), Line: frame.LineDefined()}
}

// walkOutwardForSource walks the coroutine's stack outward (increasing
// depth) from the innermost frame looking for the first non-native frame,
// adopting its current line and source. Returns ("=[C]", 0) if the whole
// stack is native.
func walkOutwardForSource(co vmhost.Coroutine, host vmhost.Host) (string, int) {
	depth := host.StackDepth(co)
	for d := 0; d < depth; d++ {
		f := host.CurrentFrame(co, d)
		if f == nil {
			continue
		}
		if f.What() != "C" {
			return f.Source(), f.CurrentLine()
		}
	}
	return "=[C]", 0
}
