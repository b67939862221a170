// Command lprofctl drives vmhost/simhost, the reference in-process
// fake VM host, through a scripted workload end to end: start a
// session, run the workload, dump, stop. It exists to exercise
// internal/session and the profiler package against something other
// than a unit test, and as a place for the CLI-only dependencies
// (cobra, go-pretty, go-echarts, fgprof) to live.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// libLogger is the zap logger handed down into profiler.Options.Logger
// for every subcommand that starts a session. Kept distinct from the
// slog calls in this package, which cover the CLI's own diagnostics
// (flag parsing, server lifecycle) rather than the library's.
var libLogger *zap.SugaredLogger

func main() {
	root := &cobra.Command{
		Use:   "lprofctl",
		Short: "Reference driver for lprof, an in-process profiler for an embedded stack VM",
		Long: `lprofctl drives vmhost/simhost — the reference fake VM host — through a
scripted workload and prints what the profiler captured. It is a demo
and integration-test harness, not a production profiling agent.`,
	}

	l, err := zap.NewProduction()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	defer l.Sync()
	libLogger = l.Sugar()

	root.AddCommand(newRunCmd(), newSampleCmd(), newFgprofCmd())

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
