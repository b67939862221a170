package main

import (
	"golang.org/x/sync/errgroup"

	"github.com/antsmallant/lprof/profiler"
	"github.com/antsmallant/lprof/vmhost"
	"github.com/antsmallant/lprof/vmhost/simhost"
)

// runWorkload drives a handful of synthetic coroutines, each on its own
// goroutine, but hands a single baton token between them so only one is
// ever actually calling into host (and thus into the profiler's hooks)
// at a time — the single-threaded cooperative model the profiler
// assumes still holds even though the coroutines are goroutine-backed.
// errgroup supervises completion and error propagation only.
func runWorkload(host *simhost.Host, coroutines int) error {
	baton := make(chan struct{}, 1)
	baton <- struct{}{}

	var g errgroup.Group
	for i := 0; i < coroutines; i++ {
		i := i
		g.Go(func() error {
			<-baton
			defer func() { baton <- struct{}{} }()

			co := host.NewCoroutine()
			if err := profiler.Mark(host, co); err != nil {
				return err
			}
			return scriptedCall(host, co, i)
		})
	}
	return g.Wait()
}

// scriptedCall plays out `outer -> inner -> work` with one 256-byte
// allocation made and freed inside inner and a few clock advances,
// enough to exercise every hook the demo's mode flags install.
func scriptedCall(host *simhost.Host, co vmhost.Coroutine, seed int) error {
	base := uintptr(seed*10 + 1)

	call(host, co, base, vmhost.EventCall, "outer", "demo.lua", 1)
	call(host, co, base+1, vmhost.EventCall, "inner", "demo.lua", 5)

	ptr := host.Alloc(co, 256)
	host.AdvanceClock(3)

	call(host, co, base+2, vmhost.EventCall, "work", "demo.lua", 9)
	host.AdvanceClock(4)
	host.Return(co) // work

	host.Free(co, ptr, 256)

	host.Return(co) // inner
	host.Return(co) // outer

	return nil
}

// runSampleWorkload drives `coroutines` synthetic coroutines, each
// entering outer -> inner -> work and firing `rounds` count-hook ticks
// before unwinding, under the same single-active baton as runWorkload.
func runSampleWorkload(host *simhost.Host, coroutines, rounds int) error {
	baton := make(chan struct{}, 1)
	baton <- struct{}{}

	var g errgroup.Group
	for i := 0; i < coroutines; i++ {
		i := i
		g.Go(func() error {
			<-baton
			defer func() { baton <- struct{}{} }()

			co := host.NewCoroutine()
			if err := profiler.Mark(host, co); err != nil {
				return err
			}

			base := uintptr(i*10 + 1)
			call(host, co, base, vmhost.EventCall, "outer", "demo.lua", 1)
			call(host, co, base+1, vmhost.EventCall, "inner", "demo.lua", 5)
			call(host, co, base+2, vmhost.EventCall, "work", "demo.lua", 9)

			for r := 0; r < rounds; r++ {
				host.Count(co)
			}

			host.Return(co) // work
			host.Return(co) // inner
			host.Return(co) // outer
			return nil
		})
	}
	return g.Wait()
}

func call(host *simhost.Host, co vmhost.Coroutine, proto uintptr, event vmhost.Event, name, source string, line int) {
	host.Call(co, event, simhost.FuncInfo{
		Proto:       simhost.P(proto),
		What:        "Lua",
		Name:        name,
		Source:      source,
		LineDefined: line,
	})
}
