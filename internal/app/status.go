package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/pipeline"
)

const maxWarningLen = 80

// StatusOptions are the tunables echoed in the status line.
type StatusOptions struct {
	Compact   bool
	Refresh   time.Duration
	CacheTTL  time.Duration
	Broadcast bool
	// MinInterval suppresses repeats of an unchanged line.
	MinInterval time.Duration
}

// StatusLine renders the one-line dashboard summary for an update.
func StatusLine(opts StatusOptions, u pipeline.Update) string {
	mode := "full"
	if opts.Compact {
		mode = "compact"
	}
	broadcast := "off"
	if opts.Broadcast {
		broadcast = "on"
	}

	parts := []string{
		"Mode " + mode,
		fmt.Sprintf("Refresh %dms", opts.Refresh.Milliseconds()),
		fmt.Sprintf("Cache %ds", int64(opts.CacheTTL/time.Second)),
		fmt.Sprintf("Feed %d/%d venues", u.Health.Online(), len(u.Health)),
		"Broadcast " + broadcast,
		fmt.Sprintf("Alerts %d", u.Triggered),
	}
	if w := summarizeWarnings(u.Health.Warnings()); w != "" {
		parts = append(parts, w)
	} else {
		parts = append(parts, "Feeds healthy")
	}
	return strings.Join(parts, " | ")
}

func summarizeWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return ""
	}
	suffix := "warning"
	if len(warnings) > 1 {
		suffix = "warnings"
	}
	return fmt.Sprintf("%d %s: %s", len(warnings), suffix, truncateForStatus(warnings[0]))
}

func truncateForStatus(text string) string {
	runes := []rune(text)
	if len(runes) <= maxWarningLen {
		return text
	}
	return string(runes[:maxWarningLen]) + "…"
}

// StatusReporter logs the status line for every update, and in full mode every metric too.
type StatusReporter struct {
	opts   StatusOptions
	logger zerolog.Logger
	now    func() time.Time

	lastLine string
	lastAt   time.Time
}

// NewStatusReporter builds a reporter.
func NewStatusReporter(opts StatusOptions, logger zerolog.Logger) *StatusReporter {
	return &StatusReporter{
		opts:   opts,
		logger: logger.With().Str("component", "status").Logger(),
		now:    time.Now,
	}
}

// Run reports until the channel is closed.
func (r *StatusReporter) Run(updates <-chan pipeline.Update) {
	for u := range updates {
		r.Report(u)
	}
}

// Report logs one update. It returns false when the update was suppressed.
func (r *StatusReporter) Report(u pipeline.Update) bool {
	line := StatusLine(r.opts, u)
	now := r.now()
	if line == r.lastLine && now.Sub(r.lastAt) < r.opts.MinInterval {
		return false
	}
	r.lastLine, r.lastAt = line, now

	ev := r.logger.Info().Int("venues_online", u.Snapshot.Summary.VenuesOnline)
	if avg := u.Snapshot.Summary.AverageFundingRate; avg.Valid {
		ev = ev.Str("avg_funding_rate", avg.Decimal.String())
	}
	ev.Msg(line)

	if r.opts.Compact {
		return true
	}
	for _, m := range u.Snapshot.Sorted() {
		r.logger.Info().
			Str("venue", string(m.Key.Venue)).
			Str("instrument", m.Key.Instrument).
			Str("kind", string(m.Key.Kind)).
			Str("value", m.Value.String()).
			Time("computed_at", m.ComputedAt).
			Msg("metric")
	}
	return true
}

// dispatchAlerts forwards every event on updates to notifier. Delivery errors are logged.
func dispatchAlerts(ctx context.Context, notifier alerting.Notifier, timeout time.Duration, updates <-chan pipeline.Update, logger zerolog.Logger) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger = logger.With().Str("component", "dispatch").Logger()
	for u := range updates {
		for _, ev := range u.Events {
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			if err := notifier.Notify(nctx, ev); err != nil {
				logger.Error().Err(err).Str("rule", ev.RuleID).Str("event_id", ev.ID).Msg("failed to dispatch alert")
			}
			cancel()
		}
	}
}
