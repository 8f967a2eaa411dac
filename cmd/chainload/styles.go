// styles.go: terminal rendering helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"io"

	"github.com/agilira/go-chainloader"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))
	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46"))
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// statusStyle picks the style for a plugin status.
func statusStyle(status chainloader.PluginStatus) lipgloss.Style {
	switch status {
	case chainloader.StatusLoaded:
		return okStyle
	case chainloader.StatusPending, chainloader.StatusUnloaded:
		return dimStyle
	default:
		return errorStyle
	}
}

// outcomeStyle picks the style for a resolution outcome.
func outcomeStyle(outcome chainloader.Outcome) lipgloss.Style {
	if outcome == chainloader.OutcomeReady {
		return okStyle
	}
	return warnStyle
}

// consoleLogger returns a log source rendering to w at the configured level.
func consoleLogger(cfg chainloader.Config, w io.Writer) *chainloader.LogSource {
	levels, err := chainloader.ParseLogLevel(cfg.Logging.ConsoleLevel)
	if err != nil {
		levels = chainloader.AtOrAbove(chainloader.LevelWarning)
	}
	manager := chainloader.NewLogManager()
	manager.AddListener(chainloader.NewConsoleListener(w, levels))
	return manager.Source(chainloader.ChainloaderLogSourceName)
}
