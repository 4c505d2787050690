package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func accessGrant(cmd *cobra.Command, args []string) error {
	a, err := buildApp(recordsEnv(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pipeline.GrantAccess(cmd.Context(), args[0], args[1], args[2]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "granted")
	return nil
}

func accessRevoke(cmd *cobra.Command, args []string) error {
	a, err := buildApp(recordsEnv(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pipeline.RevokeAccess(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "revoked")
	return nil
}

func accessCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "access", Short: "Grant and revoke record access"}
	cmd.AddCommand(
		&cobra.Command{Use: "grant <record-id> <grantee> <granted-by>", Short: "Grant a user access to a record", Args: cobra.ExactArgs(3), RunE: accessGrant},
		&cobra.Command{Use: "revoke <record-id> <grantee>", Short: "Revoke a user's access to a record", Args: cobra.ExactArgs(2), RunE: accessRevoke},
	)
	return cmd
}
