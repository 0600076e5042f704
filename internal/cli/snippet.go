package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/snippets"
)

func newSnippetCmd() *cobra.Command {
	var framework string
	var serverURL string

	cmd := &cobra.Command{
		Use:   "snippet <id>",
		Short: "Generate integration code for an experiment",
		Long: `Generate copy-paste-ready code that assigns visitors and reports
exposures and conversions for an experiment.

Completed experiments with a winner get static markup for the winner.

Examples:
  abengine snippet hero --framework html
  abengine snippet hero -f js -s https://ab.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fw := snippets.Framework(framework)
			if framework == "" {
				var err error
				if fw, err = promptFramework(); err != nil {
					return err
				}
			} else if _, err := snippets.ParseFramework(framework); err != nil {
				return err
			}

			url := serverURL
			if url == "" {
				url = fmt.Sprintf("http://localhost:%d", port)
			}

			return withEngine(cmd.Context(), func(eng *engine.Engine) error {
				exp, err := eng.GetExperiment(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				files, err := snippets.Generate(fw, snippets.Config{Experiment: exp, ServerURL: url})
				if err != nil {
					return fmt.Errorf("failed to generate snippet: %w", err)
				}

				printSnippets(cmd.OutOrStdout(), files)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&framework, "framework", "f", "", "framework (html, js, curl)")
	cmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "server URL (default http://localhost:<port>)")

	return cmd
}

func promptFramework() (snippets.Framework, error) {
	frameworks := []struct {
		Name      string
		Framework snippets.Framework
	}{
		{"HTML (client.js)", snippets.FrameworkHTML},
		{"JavaScript (fetch)", snippets.FrameworkJS},
		{"Shell (curl)", snippets.FrameworkCurl},
	}

	items := make([]string, len(frameworks))
	for i, f := range frameworks {
		items[i] = f.Name
	}

	prompt := promptui.Select{
		Label: "Select framework",
		Items: items,
		Size:  len(items),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return "", fmt.Errorf("cancelled")
		}
		return "", err
	}

	return frameworks[idx].Framework, nil
}

func printSnippets(out io.Writer, files []snippets.SnippetFile) {
	for i, file := range files {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, strings.Repeat("=", 62))
		fmt.Fprintf(out, " %s\n", file.Filename)
		fmt.Fprintln(out, strings.Repeat("=", 62))
		fmt.Fprintln(out)
		fmt.Fprintln(out, file.Content)
	}
}
