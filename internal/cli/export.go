package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"quantumdesk/internal/app"
	"quantumdesk/internal/market"
	"quantumdesk/internal/metrics"
)

var (
	exportFrom       string
	exportTo         string
	exportPNGPath    string
	exportCSVPath    string
	exportMaxPoints  int
	exportVenue      string
	exportInstrument string
	exportKind       string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export metric history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		if exportFrom != "" {
			from, err := time.Parse(time.RFC3339, exportFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if exportTo != "" {
			to, err := time.Parse(time.RFC3339, exportTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		if exportVenue != "" {
			venue, err := market.ParseVenue(exportVenue)
			if err != nil {
				return fmt.Errorf("invalid --venue value: %w", err)
			}
			opts.Filter.Venue = string(venue)
		}
		if exportKind != "" {
			kind, ok := metrics.ParseKind(exportKind)
			if !ok {
				return fmt.Errorf("invalid --metric value %q", exportKind)
			}
			opts.Filter.Kind = string(kind)
		}
		opts.Filter.Instrument = exportInstrument

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "End timestamp (RFC3339, exclusive)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points per series (defaults to config)")
	exportCmd.Flags().StringVar(&exportVenue, "venue", "", "Only export this venue")
	exportCmd.Flags().StringVar(&exportInstrument, "instrument", "", "Only export this canonical instrument")
	exportCmd.Flags().StringVar(&exportKind, "metric", "", "Only export this metric kind")
}
