package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Show the admin API URL with access token",
		Long: `Show the admin API URL with the access token of the running server.

Use this when you've scrolled past the startup message or need to
call the admin API.

Example:
  abengine token`,
		RunE: runToken,
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	token := cfg.AdminToken
	if token == "" {
		data, err := os.ReadFile(getTokenFilePath())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no server running. Start with: abengine serve")
			}
			return fmt.Errorf("failed to read token file: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	if token == "" {
		return fmt.Errorf("token file is empty. Restart the server with: abengine serve")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Admin API: http://localhost:%d/api/experiments?token=%s\n", port, token)
	fmt.Fprintf(out, "Header:    Authorization: Bearer %s\n", token)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Tip: run 'abengine token' anytime.")
	return nil
}
