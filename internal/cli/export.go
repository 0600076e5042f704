package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/abengine/internal/engine"
	"github.com/gkobilansky/abengine/internal/experiment"
)

func newExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export raw event data",
		Long: `Export the exposure and conversion log of an experiment in CSV or JSON format.

Examples:
  abengine export hero --format csv > hero-data.csv
  abengine export hero --format json > hero-data.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "csv" && format != "json" {
				return fmt.Errorf("invalid format: must be 'csv' or 'json'")
			}

			return withEngine(cmd.Context(), func(eng *engine.Engine) error {
				events, err := eng.Events(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to get events: %w", err)
				}

				if format == "csv" {
					return exportCSV(cmd.OutOrStdout(), events)
				}
				return exportJSON(cmd.OutOrStdout(), args[0], events)
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "output format (csv or json)")
	return cmd
}

func exportCSV(out io.Writer, events []*experiment.Record) error {
	w := csv.NewWriter(out)

	// Write header
	if err := w.Write([]string{"timestamp", "variant", "event_type", "visitor_id"}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	// Write rows
	for _, e := range events {
		row := []string{
			strconv.FormatInt(e.CreatedAt.Unix(), 10),
			e.VariantID,
			string(e.Type),
			e.VisitorID,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.Flush()
	return w.Error()
}

type jsonExport struct {
	Experiment string      `json:"experiment"`
	Events     []jsonEvent `json:"events"`
}

type jsonEvent struct {
	Timestamp int64  `json:"timestamp"`
	Variant   string `json:"variant"`
	EventType string `json:"event_type"`
	VisitorID string `json:"visitor_id"`
}

func exportJSON(out io.Writer, experimentID string, events []*experiment.Record) error {
	export := jsonExport{
		Experiment: experimentID,
		Events:     make([]jsonEvent, len(events)),
	}

	for i, e := range events {
		export.Events[i] = jsonEvent{
			Timestamp: e.CreatedAt.Unix(),
			Variant:   e.VariantID,
			EventType: string(e.Type),
			VisitorID: e.VisitorID,
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}
