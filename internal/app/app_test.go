package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantumdesk/internal/config"
	"quantumdesk/internal/market"
	"quantumdesk/internal/storage"
)

func testApp(t *testing.T, telegramURL string) *App {
	t.Helper()
	cfg := &config.Config{
		Pipeline: config.PipelineConfig{
			RefreshInterval:      time.Second,
			CacheTTL:             time.Minute,
			HistorySize:          8,
			PredictionWindow:     8,
			PredictionMinSamples: 3,
		},
		Venues: config.DefaultVenues(),
		Rules: []config.RuleConfig{{
			ID:         "basis-high",
			Venue:      "deribit",
			Instrument: "BTC",
			Metric:     "basis",
			Operator:   ">",
			Threshold:  decimal.RequireFromString("0.01"),
			Cooldown:   time.Minute,
		}},
		Alerting: config.AlertingConfig{NotifyTimeout: time.Second},
		Export:   config.ExportConfig{MaxDataPoints: 100},
	}
	if telegramURL != "" {
		cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "token", ChatID: "chat", APIBase: telegramURL}
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestSimulateAlertDispatchesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := testApp(t, srv.URL)
	events, err := a.SimulateAlert(context.Background(), SimulateOptions{
		Venue:      market.VenueDeribit,
		Instrument: "BTC",
		Spot:       market.Some(decimal.NewFromInt(100)),
		Mark:       market.Some(decimal.NewFromInt(105)),
		Steps:      3,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "basis-high", events[0].RuleID)
	assert.True(t, events[0].Metric.Value.Equal(decimal.RequireFromString("0.05")))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSimulateAlertBelowThreshold(t *testing.T) {
	a := testApp(t, "")
	events, err := a.SimulateAlert(context.Background(), SimulateOptions{
		Venue:      market.VenueDeribit,
		Instrument: "BTC",
		Spot:       market.Some(decimal.NewFromInt(100)),
		Mark:       market.Some(decimal.NewFromInt(100)),
	})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSimulateAlertValidatesInput(t *testing.T) {
	a := testApp(t, "")
	_, err := a.SimulateAlert(context.Background(), SimulateOptions{Venue: market.VenueDeribit})
	assert.Error(t, err)

	_, err = a.SimulateAlert(context.Background(), SimulateOptions{Venue: market.VenueDeribit, Instrument: "BTC"})
	assert.Error(t, err)
}

func TestNewPipelineFromDefaults(t *testing.T) {
	a := testApp(t, "")
	orch, err := a.newPipeline(nil)
	require.NoError(t, err)
	u := orch.Snapshot()
	assert.Len(t, u.Health, 2)
	assert.Equal(t, 0, u.Health.Online())
}

func snapshotsFor(name string, start time.Time, values ...string) []storage.MetricSnapshot {
	out := make([]storage.MetricSnapshot, 0, len(values))
	for i, v := range values {
		ts := start.Add(time.Duration(i) * time.Minute)
		out = append(out, storage.MetricSnapshot{
			TakenAt: ts, Venue: name, Instrument: "BTC", Kind: "basis",
			Value: decimal.RequireFromString(v), ComputedAt: ts,
		})
	}
	return out
}

func TestGroupSeriesDownsamplesEach(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	snaps := append(
		snapshotsFor("deribit", start, "0.01", "0.02", "0.03", "0.04", "0.05"),
		snapshotsFor("bitfinex", start, "0.001", "0.002")...,
	)

	series := groupSeries(snaps, 3)
	require.Len(t, series, 2)
	assert.Equal(t, "bitfinex BTC basis", series[0].Name)
	assert.Len(t, series[0].Points, 2)

	require.Len(t, series[1].Points, 3)
	assert.Equal(t, "0.01", series[1].Points[0].Value.String())
	assert.Equal(t, "0.03", series[1].Points[1].Value.String())
	assert.Equal(t, "0.05", series[1].Points[2].Value.String())
}

func TestWriteMetricsCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	series := groupSeries(append(
		snapshotsFor("deribit", start, "0.01", "0.03", "0.02"),
		snapshotsFor("bitfinex", start, "0.001", "0.004", "0.002")...,
	), 0)

	csvPath := filepath.Join(dir, "out", "metrics.csv")
	require.NoError(t, writeMetricsCSV(csvPath, series))

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, []string{"taken_at", "venue", "instrument", "kind", "value", "computed_at"}, rows[0])
	assert.Equal(t, "bitfinex", rows[1][1])

	pngPath := filepath.Join(dir, "metrics.png")
	require.NoError(t, writeMetricsPNG(pngPath, series))
	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWriteMetricsPNGNeedsTwoPoints(t *testing.T) {
	series := groupSeries(snapshotsFor("deribit", time.Now(), "0.01"), 0)
	assert.Error(t, writeMetricsPNG(filepath.Join(t.TempDir(), "x.png"), series))
}

func TestExportWindow(t *testing.T) {
	a := testApp(t, "")
	to := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	from, gotTo, err := a.exportWindow(ExportOptions{To: &to, MaxPoints: 60})
	require.NoError(t, err)
	assert.Equal(t, to, gotTo)
	assert.Equal(t, to.Add(-time.Minute), from)

	after := to.Add(time.Hour)
	_, _, err = a.exportWindow(ExportOptions{From: &after, To: &to, MaxPoints: 60})
	assert.Error(t, err)
}

func TestWriteAlertTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeAlertTable(&buf, nil))
	assert.Equal(t, "no alerts found\n", buf.String())

	buf.Reset()
	require.NoError(t, writeAlertTable(&buf, []storage.AlertRecord{{
		RuleID:      "basis-high",
		Venue:       "deribit",
		Instrument:  "BTC",
		Kind:        "basis",
		Operator:    ">",
		Value:       decimal.RequireFromString("0.051"),
		Threshold:   decimal.RequireFromString("0.05"),
		Reason:      "deribit BTC basis\n0.051 above 0.05",
		TriggeredAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}}))
	out := buf.String()
	assert.Contains(t, out, "2026-03-01T00:00:00Z")
	assert.Contains(t, out, "0.051000")
	assert.Contains(t, out, "> 0.050000")
	assert.Contains(t, out, "deribit BTC basis 0.051 above 0.05")
}
