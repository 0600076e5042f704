package cli

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/experiment"
)

func newTransitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transition <id> [event]",
		Short: "Move an experiment through its lifecycle",
		Long: `Apply a lifecycle event to an experiment.

Events: start (draft → running), pause (running → paused),
resume (paused → running), complete (running|paused → completed),
edit (draft → draft, re-validates the variants).

Completing a running experiment freezes its significance and winner.
Without an event you are asked to pick one of the events allowed from the
current status.

Examples:
  abengine transition hero start
  abengine transition hero`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runTransition,
	}
}

func runTransition(cmd *cobra.Command, args []string) error {
	id := args[0]

	return withEngine(cmd.Context(), func(eng *engine.Engine) error {
		var ev experiment.Event
		if len(args) == 2 {
			var err error
			if ev, err = experiment.ParseEvent(args[1]); err != nil {
				return err
			}
		} else {
			exp, err := eng.GetExperiment(cmd.Context(), id)
			if err != nil {
				return err
			}
			if ev, err = promptEvent(exp); err != nil {
				return err
			}
		}

		exp, err := eng.Transition(cmd.Context(), id, ev)
		if err != nil {
			return fmt.Errorf("failed to %s experiment: %w", ev, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Experiment '%s' is now %s\n", exp.ID, exp.Status)
		if exp.Status == experiment.StatusCompleted {
			if exp.Winner != "" {
				winner, _ := exp.Variant(exp.Winner)
				fmt.Fprintf(out, "Winner: %s (\"%s\"), %.1f%% confidence\n", winner.ID, winner.Name, exp.Significance*100)
			} else {
				fmt.Fprintln(out, "No significant winner.")
			}
		}
		return nil
	})
}

// allowedEvents lists the lifecycle events valid from the experiment's status.
func allowedEvents(status experiment.Status) []experiment.Event {
	var out []experiment.Event
	for _, ev := range experiment.Events {
		if _, ok := experiment.Next(status, ev); ok {
			out = append(out, ev)
		}
	}
	return out
}

func promptEvent(exp *experiment.Experiment) (experiment.Event, error) {
	events := allowedEvents(exp.Status)
	if len(events) == 0 {
		return "", fmt.Errorf("experiment '%s' is %s; no further transitions", exp.ID, exp.Status)
	}

	items := make([]string, len(events))
	for i, ev := range events {
		to, _ := experiment.Next(exp.Status, ev)
		items[i] = fmt.Sprintf("%s (%s → %s)", ev, exp.Status, to)
	}

	prompt := promptui.Select{
		Label: fmt.Sprintf("Event for '%s'", exp.ID),
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
	return events[idx], nil
}
