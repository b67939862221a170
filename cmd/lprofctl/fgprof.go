package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixge/fgprof"
	"github.com/spf13/cobra"
)

type fgprofFlags struct {
	addr string
}

// newFgprofCmd serves felixge/fgprof's handler: a deliberately separate
// axis of profiling (the host process's own wall-clock/goroutine
// profile) that a user can inspect side by side with the VM-level
// profiler this repo implements. Never imported by the core.
func newFgprofCmd() *cobra.Command {
	var f fgprofFlags

	cmd := &cobra.Command{
		Use:   "fgprof",
		Short: "Serve the host process's own wall-clock profile alongside this repo's VM-level profiler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFgprof(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.addr, "addr", ":6361", "address to serve /debug/fgprof on")

	return cmd
}

func runFgprof(ctx context.Context, f fgprofFlags) error {
	mux := http.NewServeMux()
	mux.Handle("/debug/fgprof", fgprof.Handler())

	srv := &http.Server{Addr: f.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("serving fgprof", "addr", f.addr, "path", "/debug/fgprof")

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("fgprof server: %w", err)
		}
		return nil
	}
}
