package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "chat-sync",
	Short: "Keep chat sessions in step with a copy in Dropbox",
	Long: `chat-sync reconciles the chat sessions stored locally with a copy kept in
Dropbox, so every device that points at the same Dropbox folder sees the same
history.

Environment configuration (state database, log file, HTTP server) is read from
the process environment and an optional .env file. Sync settings (provider,
frequency, credentials) live in the settings file and are reloaded on change.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
