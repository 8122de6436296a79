package main

import (
	"fmt"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/spf13/cobra"
)

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Print a bcrypt hash for use in AUTH_USERS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		password, err := readLine(cmd.InOrStdin(), cmd.ErrOrStderr(), "Enter password: ")
		if err != nil {
			return err
		}

		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), hash)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
