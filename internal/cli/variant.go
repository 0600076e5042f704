package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/experiment"
)

func newVariantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variant",
		Short: "Add, remove, activate or deactivate variants",
		Long: `Manage the variants of an experiment.

Adding and removing variants is only possible in draft and re-splits traffic
evenly. Deactivated variants stop receiving new visitors; visitors already
exposed to them keep seeing them.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:     "add <id> <variant>",
			Short:   "Add a variant (as id=Name) to a draft experiment",
			Example: `  abengine variant add hero question="Why wait?"`,
			Args:    cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := parseVariantSpec(args[1])
				if err != nil {
					return err
				}
				return editVariants(cmd, args[0], func(eng *engine.Engine) (*experiment.Experiment, error) {
					return eng.AddVariant(cmd.Context(), args[0], v)
				})
			},
		},
		&cobra.Command{
			Use:   "remove <id> <variant-id>",
			Short: "Remove a variant from a draft experiment",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return editVariants(cmd, args[0], func(eng *engine.Engine) (*experiment.Experiment, error) {
					return eng.RemoveVariant(cmd.Context(), args[0], args[1])
				})
			},
		},
		newVariantActiveCmd("activate", true),
		newVariantActiveCmd("deactivate", false),
	)
	return cmd
}

func newVariantActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id> <variant-id>",
		Short: fmt.Sprintf("Mark a variant %sd", use),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editVariants(cmd, args[0], func(eng *engine.Engine) (*experiment.Experiment, error) {
				return eng.UpdateVariantActive(cmd.Context(), args[0], args[1], active)
			})
		},
	}
}

func editVariants(cmd *cobra.Command, id string, edit func(*engine.Engine) (*experiment.Experiment, error)) error {
	return withEngine(cmd.Context(), func(eng *engine.Engine) error {
		exp, err := edit(eng)
		if err != nil {
			return fmt.Errorf("failed to update variants of '%s': %w", id, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Variants of '%s':\n", exp.ID)
		printVariants(out, exp)
		return nil
	})
}

func newTrafficCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "traffic <id> <variant-id=percent>...",
		Short: "Set the traffic split of a draft experiment",
		Long: `Override the even traffic split of a draft experiment. Variants not named
keep their current share; the shares must add up to 100.

Example:
  abengine traffic hero control=70 bold=30`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			traffic, err := parseTrafficSpecs(args[1:])
			if err != nil {
				return err
			}
			return editVariants(cmd, args[0], func(eng *engine.Engine) (*experiment.Experiment, error) {
				return eng.SetTraffic(cmd.Context(), args[0], traffic)
			})
		},
	}
}
