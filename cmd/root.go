// Package cmd holds the CLI entry points for the crawld daemon.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawld",
		Short: "Plugin-driven crawl scheduling and worker coordination daemon.",
		Long: `crawld runs recurring crawl jobs defined by plugins: each plugin names a
target URL, extraction rules, and a schedule. The daemon schedules jobs,
executes them on a bounded worker pool, persists extracted records, and
exposes an HTTP API for plugin management and observation.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
