// run.go: the run subcommand
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agilira/go-chainloader"
	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type runFlags struct {
	hook  bool
	serve string
	watch bool
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full chainload and print the per-plugin results",
		Long: `Run initializes a chainloader and executes it: discovery, resolution and
loading of every planned plugin. With --hook the chainload is triggered by a
simulated host runtime calling through the safe-point hook, the way a real
host would reach its safe point.

With --serve the process keeps running after the chainload and exposes
/metrics, /live and /ready until interrupted.

Example:
  chainload run --dir ./plugins --hook
  chainload run --config chainloader.yaml --serve :9090 --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChainload(cmd, flags, rf)
		},
	}
	cmd.Flags().BoolVar(&rf.hook, "hook", false, "trigger the chainload through a simulated host safe-point hook")
	cmd.Flags().StringVar(&rf.serve, "serve", "", "address serving metrics and health after the chainload")
	cmd.Flags().BoolVar(&rf.watch, "watch", false, "reload the console log level when the configuration file changes (needs --config and --serve)")
	return cmd
}

func runChainload(cmd *cobra.Command, flags *globalFlags, rf *runFlags) error {
	ctx := cmd.Context()
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	opts := []chainloader.Option{chainloader.WithConsoleWriter(cmd.ErrOrStderr())}
	var host *chainloader.HostLibrary
	if rf.hook {
		if !cfg.Hook.Enabled {
			return errors.New("--hook needs hook.enabled in the configuration")
		}
		host = newSimulatedHost(cfg.Hook)
		opts = append(opts, chainloader.WithLibraryResolver(chainloader.NewLibrarySet(host)))
	}

	cl, err := chainloader.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = cl.Close(context.Background()) }()

	if err := cl.Initialize(ctx); err != nil {
		return err
	}

	if rf.hook {
		err = executeThroughHook(ctx, cl, host, cfg.Hook)
	} else {
		err = cl.Execute(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderResults(cl))

	if rf.serve == "" {
		return nil
	}
	if rf.watch && flags.configPath != "" {
		watcher := chainloader.NewConfigWatcher(cl, flags.configPath, chainloader.DefaultConfigWatcherOptions())
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}
	return serve(ctx, cl, rf.serve)
}

// newSimulatedHost plays the part of a host runtime library exposing the
// invoke entry the hook patches.
func newSimulatedHost(hookCfg chainloader.HookConfig) *chainloader.HostLibrary {
	library := chainloader.NewHostLibrary(hookCfg.Libraries[0])
	library.Define(hookCfg.Symbol, func(chainloader.NativeCall) uintptr { return 0 })
	return library
}

// executeThroughHook calls through the host's invoke entry, as the host's
// own startup would, until the marker method reaches the safe point.
func executeThroughHook(ctx context.Context, cl *chainloader.Chainloader, host *chainloader.HostLibrary, hookCfg chainloader.HookConfig) error {
	hook, err := cl.Hook()
	if err != nil {
		return err
	}

	entry, err := host.Export(hookCfg.Symbol)
	if err != nil {
		return err
	}
	for _, method := range []string{"Awake", "OnEnable", "Start", hookCfg.Marker, "Update"} {
		entry.Invoke(chainloader.NativeCall{Method: method})
	}

	select {
	case <-hook.Done():
		return hook.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func renderResults(cl *chainloader.Chainloader) string {
	results := cl.Results()
	lines := []string{titleStyle.Render(fmt.Sprintf("Chainload %s: %d plugins attempted", cl.State(), len(results)))}
	for _, result := range results {
		line := fmt.Sprintf("  %-22s %s", statusStyle(result.Status).Render(result.Status.String()), result.Descriptor)
		lines = append(lines, line)
		if result.Err != nil {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("      %v", result.Err)))
		}
	}
	if plan := cl.Plan(); plan != nil {
		for _, entry := range plan.Skipped() {
			lines = append(lines, fmt.Sprintf("  %-22s %s",
				outcomeStyle(entry.Outcome).Render(entry.Outcome.String()), entry.Descriptor))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func serve(ctx context.Context, cl *chainloader.Chainloader, addr string) error {
	mux := http.NewServeMux()
	if metrics := cl.Metrics(); metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}
	mux.Handle("/", cl.Health().Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	cl.Logger().Message("Serving metrics and health", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
