package main

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/spf13/cobra"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review remote session copies lost to conflicting edits",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List preserved conflicts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.state.AllConflicts()
		if err != nil {
			return err
		}

		showPatch, _ := cmd.Flags().GetBool("patch")
		printConflicts(cmd.OutOrStdout(), conflicts, showPatch)

		return nil
	},
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear [session-id...]",
	Short: "Discard preserved conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) > 0) {
			return fmt.Errorf("pass session ids or --all")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ids := args
		if all {
			conflicts, err := a.state.AllConflicts()
			if err != nil {
				return err
			}
			for _, c := range conflicts {
				ids = append(ids, c.ID)
			}
		}

		for _, id := range ids {
			if err := a.state.DeleteConflict(id); err != nil {
				return fmt.Errorf("clearing %s: %w", id, err)
			}
			a.logger.Info("conflict cleared", slog.String("session", id))
		}

		fmt.Fprintf(cmd.OutOrStdout(), "cleared %d conflicts\n", len(ids))

		return nil
	},
}

func init() {
	conflictsListCmd.Flags().Bool("patch", false, "include the patch that turns the local copy into the remote one")
	conflictsClearCmd.Flags().Bool("all", false, "clear every conflict")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsClearCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func printConflicts(w io.Writer, conflicts []state.ConflictRecord, showPatch bool) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, "no conflicts")
		return
	}

	for _, c := range conflicts {
		fmt.Fprintf(w, "%s\tdetected %s\tlocal %s\tremote %s\n",
			c.ID,
			c.DetectedAt.UTC().Format(time.RFC3339),
			short(c.LocalHash),
			short(c.RemoteHash),
		)

		if showPatch {
			fmt.Fprintln(w, c.Patch)
		}
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
