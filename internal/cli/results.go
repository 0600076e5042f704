package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/experiment"
)

func newResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <id>",
		Short: "Show detailed results for an experiment",
		Long:  `Show conversion rates, confidence intervals and significance for every variant.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runResults,
	}
}

func runResults(cmd *cobra.Command, args []string) error {
	return withEngine(cmd.Context(), func(eng *engine.Engine) error {
		res, err := eng.GetResults(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get results: %w", err)
		}
		exp, eval := res.Experiment, res.Evaluation
		out := cmd.OutOrStdout()

		// Print header
		fmt.Fprintf(out, "EXPERIMENT: %s (%s)\n", exp.Name, exp.ID)
		fmt.Fprintf(out, "STATUS: %s\n", exp.Status)
		if exp.TargetMetric != "" {
			fmt.Fprintf(out, "METRIC: %s\n", exp.TargetMetric)
		}
		if exp.StartDate != nil {
			fmt.Fprintf(out, "STARTED: %s\n", exp.StartDate.Format("2006-01-02"))
		}
		if exp.EndDate != nil {
			fmt.Fprintf(out, "ENDED: %s\n", exp.EndDate.Format("2006-01-02"))
		}
		fmt.Fprintln(out)

		// Print table header
		fmt.Fprintln(out, "VARIANT           EXPOSURES  CONVERSIONS  RATE     95% CI            LIFT")
		fmt.Fprintln(out, strings.Repeat("─", 76))

		for _, v := range eval.Variants {
			indicator := ""
			switch {
			case v.ID == eval.Winner:
				indicator = " ← WINNER"
			case v.ID == eval.Leading && len(eval.Variants) > 1:
				indicator = " ← LEADING"
			}

			ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower, v.CIUpper)
			if v.Exposures == 0 {
				ciStr = "N/A"
			}

			liftStr := "-"
			if v.IsControl {
				liftStr = "control"
			} else if v.Compared {
				liftStr = fmt.Sprintf("%+.1f%%", v.Lift)
			}

			// Truncate name if too long
			name := v.Name
			if len(name) > 16 {
				name = name[:13] + "..."
			}

			fmt.Fprintf(out, "%-16s  %-9s  %-11s  %-7s  %-16s  %s%s\n",
				name,
				humanize.Comma(v.Exposures),
				humanize.Comma(v.Conversions),
				formatPercent(v.RatePercent),
				ciStr,
				liftStr,
				indicator,
			)
		}

		fmt.Fprintln(out)

		// Print significance message
		confPct := eval.Significance * 100
		var insufficient *experiment.InsufficientDataError
		switch {
		case eval.Winner != "":
			winner, _ := exp.Variant(eval.Winner)
			fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" beats the control\n", confPct, winner.Name)
		case confPct == 0:
			fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
		case errors.As(eval.Inconclusive, &insufficient):
			fmt.Fprintf(out, "Statistical significance: %.1f%% (%s)\n", confPct, insufficient)
		default:
			fmt.Fprintf(out, "Statistical significance: %.1f%% (not yet significant)\n", confPct)
		}

		return nil
	})
}
