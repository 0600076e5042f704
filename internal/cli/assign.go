package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/experiment"
)

func newAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <visitor-id>",
		Short: "Show which variant a visitor is assigned",
		Long: `Show the variant a visitor gets, exactly as the /assign endpoint would.

Assignment is deterministic, so this is handy to reproduce what a given
visitor saw.

Example:
  abengine assign hero 3f2c9a`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(eng *engine.Engine) error {
				variantID, fallback, err := eng.Assign(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}

				exp, err := eng.GetExperiment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				v, _ := exp.Variant(variantID)

				note := ""
				switch {
				case fallback && exp.Status != experiment.StatusRunning:
					note = fmt.Sprintf(" (fallback: experiment is %s)", exp.Status)
				case fallback:
					note = " (fallback: no active variant)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s \"%s\"%s\n", args[1], v.ID, v.Name, note)
				return nil
			})
		},
	}
}
