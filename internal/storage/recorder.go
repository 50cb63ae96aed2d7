package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/metrics"
	"quantumdesk/internal/pipeline"
)

// Writer is the subset of Store the recorder appends through.
type Writer interface {
	InsertMetricSnapshots(ctx context.Context, snaps []MetricSnapshot) error
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
}

// RecorderOptions tune the persistence consumer.
type RecorderOptions struct {
	// SnapshotEvery throttles metric rows; alert events are always written.
	SnapshotEvery time.Duration
	WriteTimeout  time.Duration
}

// Recorder appends published pipeline updates to Postgres. Write failures are
// logged and never propagate back into the pipeline.
type Recorder struct {
	writer   Writer
	opts     RecorderOptions
	logger   zerolog.Logger
	lastSnap time.Time
}

// NewRecorder builds a recorder on top of w.
func NewRecorder(w Writer, opts RecorderOptions, logger zerolog.Logger) *Recorder {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Recorder{writer: w, opts: opts, logger: logger.With().Str("component", "recorder").Logger()}
}

// Run consumes updates until the channel is closed.
func (r *Recorder) Run(ctx context.Context, updates <-chan pipeline.Update) {
	for u := range updates {
		r.Record(context.WithoutCancel(ctx), u)
	}
}

// Record persists one update.
func (r *Recorder) Record(ctx context.Context, u pipeline.Update) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()

	for _, ev := range u.Events {
		if _, err := r.writer.InsertAlert(ctx, AlertFromEvent(ev)); err != nil {
			r.logger.Error().Err(err).Str("event_id", ev.ID).Msg("failed to persist alert event")
		}
	}

	taken := u.Snapshot.TakenAt
	if len(u.Snapshot.Metrics) == 0 || (!r.lastSnap.IsZero() && taken.Sub(r.lastSnap) < r.opts.SnapshotEvery) {
		return
	}
	rows := MetricRows(u.Snapshot)
	if err := r.writer.InsertMetricSnapshots(ctx, rows); err != nil {
		r.logger.Error().Err(err).Int("rows", len(rows)).Msg("failed to persist metric snapshot")
		return
	}
	r.lastSnap = taken
}

// MetricRows flattens a snapshot into one row per derived metric.
func MetricRows(s metrics.Snapshot) []MetricSnapshot {
	sorted := s.Sorted()
	rows := make([]MetricSnapshot, 0, len(sorted))
	for _, m := range sorted {
		rows = append(rows, MetricSnapshot{
			TakenAt:    s.TakenAt,
			Venue:      string(m.Key.Venue),
			Instrument: m.Key.Instrument,
			Kind:       string(m.Key.Kind),
			Value:      m.Value,
			ComputedAt: m.ComputedAt,
		})
	}
	return rows
}

// AlertFromEvent maps an alert event onto its audit row.
func AlertFromEvent(ev alerting.Event) AlertRecord {
	return AlertRecord{
		EventID:     ev.ID,
		RuleID:      ev.RuleID,
		RuleName:    ev.RuleName,
		Venue:       string(ev.Metric.Key.Venue),
		Instrument:  ev.Metric.Key.Instrument,
		Kind:        string(ev.Metric.Key.Kind),
		Operator:    string(ev.Operator),
		Value:       ev.Metric.Value,
		Threshold:   ev.Threshold,
		Reason:      ev.Reason,
		TriggeredAt: ev.Timestamp,
	}
}
