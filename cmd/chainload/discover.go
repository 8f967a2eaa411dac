// discover.go: the discover subcommand
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"time"

	"github.com/agilira/go-chainloader"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func newDiscoverCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List the plugins declared by the modules in the plugin directories",
		Long: `Discover reads plugin metadata from every candidate module without
running any plugin code, and prints one line per accepted plugin type plus
every module or type that was skipped.

Example:
  chainload discover --dir ./plugins`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			report, err := discover(cmd, cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderDiscovery(report))
			return nil
		},
	}
}

func discover(cmd *cobra.Command, cfg chainloader.Config) (*chainloader.DiscoveryReport, error) {
	logger := consoleLogger(cfg, cmd.ErrOrStderr())
	discoverer := chainloader.NewDiscoverer(cfg.Discovery, chainloader.DefaultMetadataReader(), logger)
	return discoverer.Discover(cmd.Context())
}

func renderDiscovery(report *chainloader.DiscoveryReport) string {
	descriptors := report.Store.All()
	lines := []string{
		titleStyle.Render(fmt.Sprintf("Discovered %d plugins in %d modules (%s)",
			len(descriptors), len(report.Modules), report.Duration.Round(time.Microsecond))),
	}
	for _, d := range descriptors {
		line := fmt.Sprintf("  %s %s", okStyle.Render(d.GUID), d.Version)
		if d.Name != d.GUID {
			line += " " + d.Name
		}
		lines = append(lines, line, dimStyle.Render("      "+d.Module.String()))
		for _, dep := range d.Dependencies {
			lines = append(lines, dimStyle.Render("      depends on "+dep.String()))
		}
	}
	if len(report.Failures) > 0 {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("Skipped (%d):", len(report.Failures))))
		for _, failure := range report.Failures {
			lines = append(lines, fmt.Sprintf("  %s %s: %v",
				errorStyle.Render(failure.Code()), failure.Module.String(), failure.Err))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
