// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sipeed/picocell/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

// formatVersion returns the version string with optional git commit.
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func newRootCommand() *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:   "picocell",
		Short: "Self-organizing agent cluster",
		Long: "PicoCell runs tasks through a self-organizing cluster of LLM agents:\n" +
			"nodes bid for work, split under complex tasks, and retire when they\n" +
			"stop earning rewards.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if debug {
				// Through the env layer, so config loading agrees.
				os.Setenv("PICOCELL_LOG_LEVEL", "debug")
				logger.SetLevel(logger.DEBUG)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(
		newRunCommand(),
		newServeCommand(),
		newStatusCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build info",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("picocell %s\n", formatVersion())
			if buildTime != "" {
				fmt.Printf("  Build: %s\n", buildTime)
			}
			fmt.Printf("  Go: %s\n", runtime.Version())
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
