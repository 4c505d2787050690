// Command custodyd is the medical-record custody service: a CLI over the
// record pipeline, exposing record, access, and status operations the
// same way this codebase has always driven its domain engines from a
// cobra command tree rather than a long-running server loop.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "custodyd", Short: "Medical record custody service"}
	rootCmd.PersistentFlags().String("env", "", "configuration environment (dev, staging, prod)")
	rootCmd.AddCommand(recordsCmd())
	rootCmd.AddCommand(accessCmd())
	rootCmd.AddCommand(statusCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
