// Package cmd defines the CLI commands for the scraper executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Template gallery ingestion service",
		Long: `scraper crawls template gallery pages, extracts catalog metadata,
captures homepage screenshots, and persists everything to the catalog
database. Runs are checkpointed after every batch and can be paused,
stopped, and resumed through the HTTP API.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables override it)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the entry point for the scraperd binary.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
