package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/synchronization"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and move the local session store",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local sessions with their content hashes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		meta, err := synchronization.BuildLocalMetadata(a.state, time.Now())
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, id := range meta.SortedIDs() {
			s := meta.ChatSession[id]
			updated := "-"
			if s.UpdateTime != nil {
				updated = time.UnixMilli(*s.UpdateTime).UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, short(s.Hash), updated)
		}
		fmt.Fprintf(w, "%d sessions, manifest hash %s\n", len(meta.ChatSession), meta.Hash)

		return nil
	},
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the local session array to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := exportSessions(a.state)
		if err != nil {
			return err
		}

		if err := os.WriteFile(args[0], data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", args[0], err)
		}

		a.logger.Info("sessions exported", slog.String("file", args[0]))

		return nil
	},
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Replace the local session array with the contents of a JSON file",
	Long: `Import replaces the local session store with a JSON array of session
objects. Every element must be an object with a non-empty string "id". The
file is validated before anything is written. Like every command that opens
the state database, it fails while "chat-sync run" is active.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := importSessions(a.state, data)
		if err != nil {
			return err
		}

		a.logger.Info("sessions imported", slog.String("file", args[0]), slog.Int("sessions", n))
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d sessions\n", n)

		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsExportCmd, sessionsImportCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// docStore is a single-document LocalStore used to validate an import.
type docStore struct {
	doc json.RawMessage
}

func (d *docStore) Get(string) (json.RawMessage, error) { return d.doc, nil }

func (d *docStore) Set(_ string, v json.RawMessage) error {
	d.doc = v
	return nil
}

// importSessions validates data as a session array and stores it as the
// whole local session set. It returns the number of distinct sessions.
func importSessions(store synchronization.LocalStore, data []byte) (int, error) {
	doc := bytes.TrimSpace(data)
	if len(doc) == 0 || doc[0] != '[' {
		return 0, fmt.Errorf("import file must hold a JSON array of sessions")
	}

	meta, err := synchronization.BuildLocalMetadata(&docStore{doc: doc}, time.Now())
	if err != nil {
		return 0, fmt.Errorf("validating import: %w", err)
	}

	if err := store.Set(synchronization.SessionsKey, json.RawMessage(doc)); err != nil {
		return 0, fmt.Errorf("writing sessions: %w", err)
	}

	return len(meta.ChatSession), nil
}

// exportSessions returns the stored session array, indented. An empty
// store exports as [].
func exportSessions(store synchronization.LocalStore) ([]byte, error) {
	raw, err := store.Get(synchronization.SessionsKey)
	if err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}

	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []byte("[]\n"), nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, fmt.Errorf("formatting sessions: %w", err)
	}
	buf.WriteByte('\n')

	return buf.Bytes(), nil
}
