package profiler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antsmallant/lprof/internal/export"
	"github.com/antsmallant/lprof/vmhost"
	"github.com/antsmallant/lprof/vmhost/simhost"
)

func call(h *simhost.Host, co vmhost.Coroutine, p uintptr, event vmhost.Event, name string) {
	h.Call(co, event, simhost.FuncInfo{Proto: simhost.P(p), What: "Lua", Name: name, Source: "s.lua", LineDefined: int(p)})
}

func TestStartRejectsUnknownCPUMode(t *testing.T) {
	h := simhost.New()
	err := Start(h, Options{CPU: "bogus"})
	require.Error(t, err)
}

func TestStartRejectsZeroSamplePeriod(t *testing.T) {
	h := simhost.New()
	err := Start(h, Options{CPU: "sample", SamplePeriod: 0})
	require.Error(t, err)
}

func TestScenario1SiblingsDoNotMerge(t *testing.T) {
	h := simhost.New()
	co := h.NewCoroutine()
	require.NoError(t, Start(h, Options{CPU: "profile"}))
	defer Stop(h)

	call(h, co, 1, vmhost.EventCall, "outer")
	call(h, co, 2, vmhost.EventCall, "tonumber")
	h.Return(co)
	call(h, co, 3, vmhost.EventCall, "print")
	h.Return(co)
	h.Return(co)

	_, payload, err := Dump(h, export.Options{})
	require.NoError(t, err)
	root := payload.(*export.Node)
	outer := root.Children[0]
	require.Len(t, outer.Children, 2)
	for _, c := range outer.Children {
		require.EqualValues(t, 1, c.CallCount)
	}
}

func TestScenario2TailRecursionCollapsesOnOneReturn(t *testing.T) {
	h := simhost.New()
	co := h.NewCoroutine()
	require.NoError(t, Start(h, Options{CPU: "profile"}))
	defer Stop(h)

	call(h, co, 1, vmhost.EventCall, "f")
	for i := 0; i < 1000; i++ {
		call(h, co, 1, vmhost.EventTailCall, "f")
	}
	h.Return(co)

	require.Equal(t, 0, h.StackDepth(co))

	_, payload, err := Dump(h, export.Options{})
	require.NoError(t, err)
	root := payload.(*export.Node)
	f := root.Children[0]
	require.EqualValues(t, 1001, f.CallCount)
	require.GreaterOrEqual(t, f.CPUCostNs, int64(0))
}

func TestScenario4FreeAttributedToAllocator(t *testing.T) {
	h := simhost.New()
	require.NoError(t, Start(h, Options{CPU: "profile", Mem: "profile"}))
	defer Stop(h)

	co := h.NewCoroutine()
	call(h, co, 1, vmhost.EventCall, "producer")
	ptr := h.Alloc(co, 1024)
	h.Return(co)

	call(h, co, 2, vmhost.EventCall, "consumer")
	h.Free(co, ptr, 1024)
	h.Return(co)

	_, payload, err := Dump(h, export.Options{WithMem: true})
	require.NoError(t, err)
	root := payload.(*export.Node)

	var producer, consumer *export.Node
	for _, c := range root.Children {
		switch {
		case strings.HasPrefix(c.Name, "producer"):
			producer = c
		case strings.HasPrefix(c.Name, "consumer"):
			consumer = c
		}
	}
	require.NotNil(t, producer)
	require.NotNil(t, consumer)

	require.EqualValues(t, 1024, producer.AllocBytes)
	require.EqualValues(t, 1, producer.AllocTimes)
	require.EqualValues(t, 1024, producer.FreeBytes)
	require.EqualValues(t, 1, producer.FreeTimes)
	require.EqualValues(t, 0, consumer.FreeBytes)
}

func TestScenario5ReallocChurn(t *testing.T) {
	h := simhost.New()
	require.NoError(t, Start(h, Options{CPU: "profile", Mem: "profile"}))
	defer Stop(h)

	co := h.NewCoroutine()
	call(h, co, 1, vmhost.EventCall, "appendbuf")
	ptr := h.Alloc(co, 64)
	ptr = h.Realloc(co, ptr, 64, 128, true)
	ptr = h.Realloc(co, ptr, 128, 256, true)
	h.Realloc(co, ptr, 256, 512, true)
	h.Return(co)

	_, payload, err := Dump(h, export.Options{WithMem: true})
	require.NoError(t, err)
	root := payload.(*export.Node)
	node := root.Children[0]

	require.EqualValues(t, 960, node.AllocBytes)
	require.EqualValues(t, 448, node.FreeBytes)
	require.EqualValues(t, 1, node.AllocTimes)
	require.EqualValues(t, 3, node.ReallocTimes)
	require.EqualValues(t, 0, node.FreeTimes)
	require.EqualValues(t, 512, node.InuseBytes)
}

func TestScenario6SamplingExport(t *testing.T) {
	h := simhost.New()
	co := h.NewCoroutine()
	require.NoError(t, Start(h, Options{CPU: "sample", SamplePeriod: 1, Seed: 99}))
	defer Stop(h)

	call(h, co, 1, vmhost.EventCall, "outer")
	call(h, co, 2, vmhost.EventCall, "inner")
	call(h, co, 3, vmhost.EventCall, "work")

	const n = 5
	for i := 0; i < n; i++ {
		h.Count(co)
	}

	_, payload, err := Dump(h, export.Options{})
	require.NoError(t, err)
	text := payload.(string)

	var total int
	var sawChain bool
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		count := fields[len(fields)-1]
		var c int
		_, err := fmt.Sscan(count, &c)
		require.NoError(t, err)
		total += c
		if strings.HasPrefix(line, "root;outer") && strings.Contains(line, "inner") && strings.Contains(line, "work") {
			sawChain = true
		}
	}
	require.True(t, sawChain, "folded output: %s", text)
	require.Equal(t, n, total)
}

func TestStopThenStartAgainSucceeds(t *testing.T) {
	h := simhost.New()
	require.NoError(t, Start(h, Options{CPU: "profile"}))
	require.NoError(t, Stop(h))
	require.Error(t, Stop(h), "second stop should report not started")
	require.NoError(t, Start(h, Options{CPU: "profile"}))
	require.NoError(t, Stop(h))
}

func TestMarkAllAndUnmarkAllRequireActiveSession(t *testing.T) {
	h := simhost.New()
	require.Error(t, MarkAll(h))
	require.Error(t, UnmarkAll(h))

	require.NoError(t, Start(h, Options{CPU: "profile"}))
	defer Stop(h)
	require.NoError(t, MarkAll(h))
	require.NoError(t, UnmarkAll(h))
}
