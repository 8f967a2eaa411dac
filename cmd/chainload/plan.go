// plan.go: the plan subcommand
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/agilira/go-chainloader"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func newPlanCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the load order and every excluded plugin",
		Long: `Plan discovers plugins and resolves their dependencies, printing the
deterministic load order and, for each excluded plugin, the outcome and the
dependency that blocked it. No plugin code runs.

Example:
  chainload plan --config chainloader.yaml`,
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
			logger := consoleLogger(cfg, cmd.ErrOrStderr())
			plan := chainloader.NewResolver(logger).Resolve(cmd.Context(), report.Store.All())
			fmt.Fprintln(cmd.OutOrStdout(), renderPlan(plan))
			return nil
		},
	}
}

func renderPlan(plan *chainloader.LoadPlan) string {
	lines := []string{titleStyle.Render(fmt.Sprintf("Load order (%d)", plan.Len()))}
	for i, d := range plan.Order() {
		lines = append(lines, fmt.Sprintf("  %2d. %s %s", i+1, okStyle.Render(d.GUID), d.Version))
		if entry, ok := plan.Entry(d.GUID); ok && len(entry.IgnoredSoftDependencies) > 0 {
			lines = append(lines, dimStyle.Render(fmt.Sprintf("      soft ordering ignored: %v", entry.IgnoredSoftDependencies)))
		}
	}
	skipped := plan.Skipped()
	if len(skipped) > 0 {
		lines = append(lines, titleStyle.Render(fmt.Sprintf("Skipped (%d)", len(skipped))))
		for _, entry := range skipped {
			lines = append(lines, fmt.Sprintf("  %s %s",
				outcomeStyle(entry.Outcome).Render(entry.Outcome.String()),
				entry.Descriptor.GUID),
				dimStyle.Render("      "+entry.Reason))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
