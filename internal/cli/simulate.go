package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"quantumdesk/internal/app"
	"quantumdesk/internal/market"
)

var (
	simulateVenue      string
	simulateInstrument string
	simulateSpot       string
	simulateMark       string
	simulateFunding    string
	simulatePrice      string
	simulateNAV        string
	simulateSteps      int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Feed a synthetic observation through the alert rules and dispatch the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		venue, err := market.ParseVenue(simulateVenue)
		if err != nil {
			return err
		}

		opts := app.SimulateOptions{Venue: venue, Instrument: simulateInstrument, Steps: simulateSteps}
		fields := []struct {
			flag string
			raw  string
			dst  *decimal.NullDecimal
		}{
			{"spot", simulateSpot, &opts.Spot},
			{"mark", simulateMark, &opts.Mark},
			{"funding", simulateFunding, &opts.Funding},
			{"price", simulatePrice, &opts.Price},
			{"nav", simulateNAV, &opts.NAV},
		}
		for _, f := range fields {
			if f.raw == "" {
				continue
			}
			d, err := decimal.NewFromString(f.raw)
			if err != nil {
				return fmt.Errorf("invalid --%s value: %w", f.flag, err)
			}
			*f.dst = market.Some(d)
		}

		events, err := getApp().SimulateAlert(cmd.Context(), opts)
		for _, ev := range events {
			fmt.Fprintln(cmd.OutOrStdout(), ev.Reason)
		}
		if err == nil && len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no rule triggered")
		}
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateVenue, "venue", "deribit", "Venue the observation comes from")
	simulateCmd.Flags().StringVar(&simulateInstrument, "instrument", "BTC", "Canonical instrument")
	simulateCmd.Flags().StringVar(&simulateSpot, "spot", "", "Spot/index price")
	simulateCmd.Flags().StringVar(&simulateMark, "mark", "", "Mark price")
	simulateCmd.Flags().StringVar(&simulateFunding, "funding", "", "Funding rate per 8h")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "", "ETF market price")
	simulateCmd.Flags().StringVar(&simulateNAV, "nav", "", "ETF net asset value")
	simulateCmd.Flags().IntVar(&simulateSteps, "steps", 1, "Repeat the observation this many times, one second apart")
}
