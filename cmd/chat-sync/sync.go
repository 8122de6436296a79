package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/alexjbarnes/chat-sync/internal/synchronization"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync now and print the result",
	Long: `Sync runs one reconciliation now and prints the report.

It opens the state database directly, so it cannot run while "chat-sync run"
is active: the daemon holds the database lock and this command fails after a
few seconds. To trigger a sync while the daemon is running, enable the server
(ENABLE_SERVER=true) and call the sync_now MCP tool on /mcp.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.syncer.Synchronize(cmd.Context())
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")

		return printReport(cmd.OutOrStdout(), report, asJSON)
	},
}

func init() {
	syncCmd.Flags().Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(syncCmd)
}

func printReport(w io.Writer, r *synchronization.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}

	fmt.Fprintf(w, "run:        %s\n", r.RunID)
	fmt.Fprintf(w, "outcome:    %s\n", r.Outcome)
	fmt.Fprintf(w, "uploaded:   %d\n", len(r.Uploaded))
	fmt.Fprintf(w, "downloaded: %d\n", len(r.Downloaded))

	if len(r.Conflicts) > 0 {
		fmt.Fprintf(w, "conflicts:  %d (see chat-sync conflicts list)\n", len(r.Conflicts))
	}

	if r.ReloadRequired {
		fmt.Fprintln(w, "local sessions changed; reload the chat client")
	}

	return nil
}
