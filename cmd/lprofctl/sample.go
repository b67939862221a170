package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antsmallant/lprof/internal/chart"
	"github.com/antsmallant/lprof/internal/export"
	"github.com/antsmallant/lprof/internal/strmap"
	"github.com/antsmallant/lprof/profiler"
	"github.com/antsmallant/lprof/vmhost/simhost"
)

type sampleFlags struct {
	period     uint64
	seed       uint64
	coroutines int
	rounds     int
	chartPath  string
}

func newSampleCmd() *cobra.Command {
	var f sampleFlags

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Drive the reference host in CPU sampling mode and print folded-stack output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSample(f)
		},
	}

	cmd.Flags().Uint64Var(&f.period, "period", 1000, "average VM-instruction gap between samples")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "xorshift64 seed (0 = derive from the clock)")
	cmd.Flags().IntVar(&f.coroutines, "coroutines", 3, "number of synthetic coroutines to drive")
	cmd.Flags().IntVar(&f.rounds, "rounds", 50, "count-hook ticks fired per coroutine")
	cmd.Flags().StringVar(&f.chartPath, "chart", "", "write an HTML bar chart of the top folded stacks to this path")

	return cmd
}

func runSample(f sampleFlags) error {
	host := simhost.New()

	opts := profiler.Options{CPU: "sample", SamplePeriod: f.period, Seed: f.seed, Logger: libLogger}
	if err := profiler.Start(host, opts); err != nil {
		return fmt.Errorf("start profiler: %w", err)
	}
	defer profiler.Stop(host)

	if err := runSampleWorkload(host, f.coroutines, f.rounds); err != nil {
		return fmt.Errorf("run workload: %w", err)
	}

	_, payload, err := profiler.Dump(host, export.Options{})
	if err != nil {
		return fmt.Errorf("dump: %w", err)
	}

	text := payload.(string)
	fmt.Fprint(os.Stdout, text)

	if f.chartPath != "" {
		fh, err := os.Create(f.chartPath)
		if err != nil {
			return fmt.Errorf("write chart: %w", err)
		}
		defer fh.Close()

		counts := foldedCountsFromText(text)
		if err := chart.RenderTopStacks(fh, counts, "lprofctl sample — top folded stacks"); err != nil {
			return fmt.Errorf("render chart: %w", err)
		}
		fmt.Fprintf(os.Stdout, "\nchart written to %s\n", f.chartPath)
	}

	return nil
}

// foldedCountsFromText reparses the folded-stack dump text back into a
// strmap.Map, the input internal/chart.RenderTopStacks draws from.
func foldedCountsFromText(text string) *strmap.Map {
	counts := strmap.New(16)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if line == "" {
			continue
		}
		idx := strings.LastIndex(line, " ")
		if idx < 0 {
			continue
		}
		key := line[:idx]
		n, err := strconv.ParseUint(line[idx+1:], 10, 64)
		if err != nil {
			continue
		}
		counts.Add(key, n)
	}
	return counts
}
