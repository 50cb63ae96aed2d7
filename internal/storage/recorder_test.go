package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/market"
	"quantumdesk/internal/metrics"
	"quantumdesk/internal/pipeline"
)

type fakeWriter struct {
	batches [][]MetricSnapshot
	alerts  []AlertRecord
	failAll bool
}

func (f *fakeWriter) InsertMetricSnapshots(_ context.Context, snaps []MetricSnapshot) error {
	if f.failAll {
		return errors.New("db down")
	}
	f.batches = append(f.batches, snaps)
	return nil
}

func (f *fakeWriter) InsertAlert(_ context.Context, a AlertRecord) (AlertRecord, error) {
	if f.failAll {
		return AlertRecord{}, errors.New("db down")
	}
	f.alerts = append(f.alerts, a)
	return a, nil
}

var key = metrics.MetricKey{Instrument: "BTC", Venue: market.VenueDeribit, Kind: metrics.KindBasis}

func update(at time.Time, events ...alerting.Event) pipeline.Update {
	return pipeline.Update{
		Snapshot: metrics.Snapshot{
			Metrics: map[metrics.MetricKey]metrics.DerivedMetric{key: {Key: key, Value: decimal.RequireFromString("0.01"), ComputedAt: at}},
			TakenAt: at,
		},
		Events: events,
	}
}

func TestRecorderThrottlesSnapshotsButNotAlerts(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, RecorderOptions{SnapshotEvery: 10 * time.Second}, zerolog.Nop())
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ev := alerting.Event{ID: "6f1c", RuleID: "basis", Metric: metrics.DerivedMetric{Key: key, Value: decimal.RequireFromString("0.06")}, Threshold: decimal.RequireFromString("0.05"), Operator: alerting.Above, Timestamp: t0}

	r.Record(context.Background(), update(t0))
	r.Record(context.Background(), update(t0.Add(time.Second), ev))
	r.Record(context.Background(), update(t0.Add(11*time.Second)))

	require.Len(t, w.batches, 2)
	assert.Equal(t, "deribit", w.batches[0][0].Venue)
	assert.Equal(t, "basis", w.batches[0][0].Kind)

	require.Len(t, w.alerts, 1)
	assert.Equal(t, "6f1c", w.alerts[0].EventID)
	assert.Equal(t, ">", w.alerts[0].Operator)
	assert.True(t, w.alerts[0].Value.Equal(decimal.RequireFromString("0.06")))
}

func TestRecorderSwallowsWriteErrors(t *testing.T) {
	w := &fakeWriter{failAll: true}
	r := NewRecorder(w, RecorderOptions{}, zerolog.Nop())

	updates := make(chan pipeline.Update, 2)
	updates <- update(time.Now(), alerting.Event{ID: "x"})
	updates <- update(time.Now())
	close(updates)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), updates)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recorder should drain and return when the channel closes")
	}
}
