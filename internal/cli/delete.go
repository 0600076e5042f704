package cli

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
)

func newDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an experiment and all its events",
		Long: `Delete an experiment together with its counters and event log.
This cannot be undone.

Example:
  abengine delete hero --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			return withEngine(cmd.Context(), func(eng *engine.Engine) error {
				exp, err := eng.GetExperiment(cmd.Context(), id)
				if err != nil {
					return err
				}

				if !yes {
					prompt := promptui.Prompt{
						Label:     fmt.Sprintf("Delete '%s' (%s) and all its events", exp.Name, exp.Status),
						IsConfirm: true,
					}
					if _, err := prompt.Run(); err != nil {
						if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
							fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
							return nil
						}
						return err
					}
				}

				if err := eng.DeleteExperiment(cmd.Context(), id); err != nil {
					return fmt.Errorf("failed to delete experiment: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted experiment '%s'\n", id)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
