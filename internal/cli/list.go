package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/experiment"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all experiments",
		Long:  `List all experiments with their status and counts.`,
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(eng *engine.Engine) error {
		exps, err := eng.ListExperiments(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list experiments: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(exps) == 0 {
			fmt.Fprintln(out, "No experiments yet.")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Create one with:")
			fmt.Fprintln(out, `  abengine create "Hero headline" --variant control=Original --variant bold="Bold claim"`)
			return nil
		}

		// Print table
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVARIANTS\tEXPOSURES\tCONVERSIONS\tWINNER\tCREATED")

		for _, exp := range exps {
			var exposures, conversions int64
			for _, v := range exp.Variants {
				exposures += v.Exposures
				conversions += v.Conversions
			}

			winner := "-"
			if exp.Winner != "" {
				winner = exp.Winner
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
				exp.ID,
				exp.Name,
				strings.ToUpper(string(exp.Status)),
				len(exp.Variants),
				humanize.Comma(exposures),
				humanize.Comma(conversions),
				winner,
				humanize.Time(exp.CreatedAt),
			)
		}

		return w.Flush()
	})
}

// printVariants writes one line per variant with its split and flags.
func printVariants(out io.Writer, exp *experiment.Experiment) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, v := range exp.Variants {
		var flags []string
		if v.IsControl {
			flags = append(flags, "control")
		}
		if !v.IsActive {
			flags = append(flags, "inactive")
		}
		fmt.Fprintf(w, "  %s\t%s\t%d%%\t%s\n", v.ID, v.Name, v.Traffic, strings.Join(flags, ", "))
	}
	w.Flush()
}
