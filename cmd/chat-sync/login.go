package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alexjbarnes/chat-sync/internal/settings"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize chat-sync with Dropbox",
	Long: `Login prints the Dropbox authorization page, reads the code Dropbox shows
after you approve access, and stores the resulting refresh token in the
settings file. The provider is switched to dropbox.

The app key and secret come from the settings file unless given as flags.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		s := a.settings.Current()
		dbx := &s.Sync.Providers.Dropbox

		if v, _ := cmd.Flags().GetString("client-id"); v != "" {
			dbx.ClientID = v
		}
		if v, _ := cmd.Flags().GetString("client-secret"); v != "" {
			dbx.ClientSecret = v
		}

		if dbx.ClientID == "" {
			return fmt.Errorf("no Dropbox app key: pass --client-id or set provider_config.dropbox.client_id in %s", a.settings.Path())
		}

		out := cmd.ErrOrStderr()
		fmt.Fprintln(out, "Open this page, approve access, and paste the code below:")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  "+a.auth.LoginURL(*dbx))
		fmt.Fprintln(out)

		code, err := readLine(cmd.InOrStdin(), out, "Code: ")
		if err != nil {
			return err
		}

		tok, err := a.auth.Exchange(cmd.Context(), *dbx, code)
		if err != nil {
			return err
		}

		dbx.RefreshToken = tok.RefreshToken
		s.Sync.Provider = settings.ProviderDropbox

		if err := a.settings.Save(s); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}

		a.auth.Invalidate()
		a.logger.Info("dropbox login saved", slog.String("settings", a.settings.Path()))
		fmt.Fprintln(out, "Logged in. Refresh token saved to "+a.settings.Path())

		return nil
	},
}

func init() {
	loginCmd.Flags().String("client-id", "", "Dropbox app key")
	loginCmd.Flags().String("client-secret", "", "Dropbox app secret")
	rootCmd.AddCommand(loginCmd)
}

// readLine prompts on out and returns one trimmed, non-empty line from in.
func readLine(in io.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return "", fmt.Errorf("no input")
	}

	line := strings.TrimSpace(scanner.Text())
	if line == "" {
		return "", fmt.Errorf("no input")
	}

	return line, nil
}
