package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/antsmallant/lprof/internal/chart"
	"github.com/antsmallant/lprof/internal/export"
	"github.com/antsmallant/lprof/profiler"
	"github.com/antsmallant/lprof/vmhost/simhost"
)

type runFlags struct {
	mem         bool
	coroutines  int
	chartPath   string
	percentages bool
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the reference host through a scripted workload and print a dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(f)
		},
	}

	cmd.Flags().BoolVar(&f.mem, "mem", false, "enable memory allocation attribution")
	cmd.Flags().IntVar(&f.coroutines, "coroutines", 3, "number of synthetic coroutines to drive")
	cmd.Flags().StringVar(&f.chartPath, "chart", "", "write an HTML bar chart of the hottest nodes to this path")
	cmd.Flags().BoolVar(&f.percentages, "percentages", false, "include per-node percentage-of-parent cost columns")

	return cmd
}

func runRun(f runFlags) error {
	host := simhost.New()

	opts := profiler.Options{CPU: "profile", Logger: libLogger}
	if f.mem {
		opts.Mem = "profile"
	}
	if err := profiler.Start(host, opts); err != nil {
		return fmt.Errorf("start profiler: %w", err)
	}
	defer profiler.Stop(host)

	if err := runWorkload(host, f.coroutines); err != nil {
		return fmt.Errorf("run workload: %w", err)
	}

	_, payload, err := profiler.Dump(host, export.Options{WithMem: f.mem, WithPercentages: f.percentages})
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}

	root := payload.(*export.Node)
	printDumpTable(os.Stdout, root, f.mem, f.percentages)

	if f.chartPath != "" {
		if err := writeHotNodesChart(f.chartPath, root); err != nil {
			return fmt.Errorf("write chart: %w", err)
		}
		fmt.Fprintf(os.Stdout, "\nchart written to %s\n", f.chartPath)
	}

	return nil
}

func printDumpTable(w io.Writer, root *export.Node, withMem, withPct bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	header := table.Row{"name", "call_count", "cpu_cost_ns"}
	if withPct {
		header = append(header, "cpu_cost_%")
	}
	if withMem {
		header = append(header, "alloc_bytes", "free_bytes", "inuse_bytes", "realloc_times")
	}
	t.AppendHeader(header)

	var walk func(n *export.Node)
	walk = func(n *export.Node) {
		row := table.Row{n.Name, n.CallCount, n.CPUCostNs}
		if withPct {
			row = append(row, n.CPUCostPct)
		}
		if withMem {
			row = append(row, n.AllocBytes, n.FreeBytes, n.InuseBytes, n.ReallocTimes)
		}
		t.AppendRow(row)
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)

	t.Render()
}

func writeHotNodesChart(path string, root *export.Node) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return chart.RenderHotNodes(f, root, "lprofctl run — hottest nodes")
}
