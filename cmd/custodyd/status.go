package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusRun(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(recordsEnv(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.gateway.Status()
	fmt.Fprintf(cmd.OutOrStdout(), "channel=%s connected=%t retries=%d/%d\n", st.Channel, st.Connected, st.Retries, st.MaxRetries)
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{Use: "status", Short: "Report ledger gateway connection health", RunE: statusRun}
}
