package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/allocator"
	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/experiment"
)

func newCreateCmd() *cobra.Command {
	var (
		id          string
		description string
		component   string
		metric      string
		control     string
		variants    []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new experiment",
		Long: `Create a new draft experiment with the specified variants.

Traffic is split evenly; the first variant is the control unless --control
names another one. Start it with 'abengine transition <id> start'.

Examples:
  abengine create "Hero headline" --id hero --variant control="Ship Faster" --variant bold="Build Better"
  abengine create "Pricing CTA" --variant a --variant b --variant c --control b --metric signup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(variants) < 2 {
				return fmt.Errorf("need at least 2 variants. Example: --variant a=Original --variant b=Bold")
			}

			exp := &experiment.Experiment{
				ID:           id,
				Name:         args[0],
				Description:  description,
				Component:    component,
				TargetMetric: metric,
			}
			for _, spec := range variants {
				v, err := parseVariantSpec(spec)
				if err != nil {
					return err
				}
				exp.Variants = append(exp.Variants, v)
			}
			allocator.Redistribute(exp.Variants)

			if control == "" {
				control = exp.Variants[0].ID
			}
			found := false
			for i := range exp.Variants {
				if exp.Variants[i].ID == control {
					exp.Variants[i].IsControl = true
					found = true
				}
			}
			if !found {
				return fmt.Errorf("control %q is not one of the variants", control)
			}

			return withEngine(cmd.Context(), func(eng *engine.Engine) error {
				created, err := eng.CreateExperiment(cmd.Context(), exp)
				if err != nil {
					return fmt.Errorf("failed to create experiment: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Created experiment '%s' (%s) with %d variants:\n", created.Name, created.ID, len(created.Variants))
				printVariants(out, created)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "experiment id (default: generated)")
	cmd.Flags().StringVarP(&description, "description", "d", "", "description (optional)")
	cmd.Flags().StringVar(&component, "component", "", "UI component under test (optional)")
	cmd.Flags().StringVar(&metric, "metric", "", "target metric (optional)")
	cmd.Flags().StringVar(&control, "control", "", "id of the control variant (default: first)")
	cmd.Flags().StringArrayVarP(&variants, "variant", "v", nil, "variant as id=Name, repeat for each (at least 2)")
	cmd.MarkFlagRequired("variant")

	return cmd
}
