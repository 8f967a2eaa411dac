// root.go: root command and shared configuration flags
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/agilira/go-chainloader"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	directories []string
	level       string
}

func newRootCommand(version, commit, date string) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "chainload",
		Short: "Discover, resolve and load chainloader plugins",
		Long: `chainload drives the plugin chainloader from the command line.

It reads plugin metadata without running plugin code, prints the dependency
resolution, and can run a full chainload over wasm plugins, optionally
through a simulated host safe-point hook.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "chainloader configuration file (JSON or YAML)")
	rootCmd.PersistentFlags().StringSliceVarP(&flags.directories, "dir", "d", nil, "plugin directory to scan (repeatable, overrides the configuration)")
	rootCmd.PersistentFlags().StringVar(&flags.level, "level", "", "console log level (fatal, error, warning, message, info, debug, all)")

	rootCmd.AddCommand(newDiscoverCommand(flags))
	rootCmd.AddCommand(newPlanCommand(flags))
	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newSchemaCommand())

	return rootCmd
}

// loadConfig builds the effective configuration from the file and flags.
func (f *globalFlags) loadConfig() (chainloader.Config, error) {
	cfg := chainloader.DefaultConfig()
	if f.configPath != "" {
		loaded, err := chainloader.LoadConfig(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if len(f.directories) > 0 {
		cfg.Discovery.Directories = f.directories
	}
	if f.level != "" {
		cfg.Logging.ConsoleLevel = f.level
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
