package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/market"
)

// SimulateAlert pushes a synthetic observation through a fresh engine and evaluator
// and dispatches any resulting alert events through the configured notifiers.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) ([]alerting.Event, error) {
	if opts.Instrument == "" {
		return nil, errors.New("instrument is required")
	}
	if !opts.Spot.Valid && !opts.Mark.Valid && !opts.Funding.Valid && !opts.Price.Valid && !opts.NAV.Valid {
		return nil, errors.New("at least one of spot, mark, funding, price or nav must be given")
	}
	steps := opts.Steps
	if steps <= 0 {
		steps = 1
	}

	engine := a.newEngine()
	evaluator, err := a.newEvaluator()
	if err != nil {
		return nil, err
	}

	start := time.Now().UTC()
	var events []alerting.Event
	for i := 0; i < steps; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		engine.Ingest(market.Record{
			Venue:       opts.Venue,
			Instrument:  opts.Instrument,
			Symbol:      opts.Instrument,
			Timestamp:   ts,
			SpotPrice:   opts.Spot,
			MarkPrice:   opts.Mark,
			FundingRate: opts.Funding,
			MarketPrice: opts.Price,
			NAV:         opts.NAV,
		})
		events = append(events, evaluator.EvaluateAll(engine.Snapshot(), ts)...)
	}

	if len(events) == 0 {
		a.Logger.Info().Str("venue", string(opts.Venue)).Str("instrument", opts.Instrument).Msg("simulation triggered no rule")
		return nil, nil
	}

	notifier := a.newNotifier()
	var errs []error
	for _, ev := range events {
		if err := notifier.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", ev.RuleID, err))
		}
	}
	return events, errors.Join(errs...)
}
