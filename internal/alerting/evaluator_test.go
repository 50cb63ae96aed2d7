package alerting

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantumdesk/internal/market"
	"quantumdesk/internal/metrics"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var basisKey = metrics.MetricKey{Instrument: "BTC", Venue: market.VenueDeribit, Kind: metrics.KindBasis}

func aboveRule(cooldown time.Duration) Rule {
	return Rule{
		ID:         "basis-high",
		Name:       "Basis > 5%",
		Target:     basisKey,
		Operator:   Above,
		Threshold:  dec("0.05"),
		Hysteresis: dec("0.005"),
		Cooldown:   cooldown,
		Enabled:    true,
	}
}

// step feeds values one tick apart and returns the states visited and events emitted.
func step(rule Rule, st RuleState, start time.Time, tick time.Duration, values ...string) ([]State, int, RuleState) {
	var states []State
	events := 0
	now := start
	for _, v := range values {
		var ev *Event
		st, ev = Evaluate(rule, st, dec(v), true, now)
		if ev != nil {
			events++
		}
		states = append(states, st.State)
		now = now.Add(tick)
	}
	return states, events, st
}

func TestHysteresisScenario(t *testing.T) {
	rule := aboveRule(0)
	states, events, _ := step(rule, InitialState(rule), t0, time.Second, "0.04", "0.051", "0.047", "0.0451", "0.045", "0.0449")

	assert.Equal(t, []State{Armed, Triggered, Triggered, Triggered, Triggered, Armed}, states)
	assert.Equal(t, 1, events)
}

func TestOscillationAtThresholdEmitsOnce(t *testing.T) {
	rule := aboveRule(0)
	_, events, _ := step(rule, InitialState(rule), t0, time.Second, "0.051", "0.05", "0.051", "0.049", "0.0501", "0.046")
	assert.Equal(t, 1, events)
}

func TestRetriggerAfterRearm(t *testing.T) {
	rule := aboveRule(0)
	_, events, st := step(rule, InitialState(rule), t0, time.Second, "0.051", "0.01", "0.06")
	assert.Equal(t, 2, events)
	assert.Equal(t, Triggered, st.State)
}

func TestEventContents(t *testing.T) {
	rule := aboveRule(time.Minute)
	st, ev := Evaluate(rule, InitialState(rule), dec("0.051"), true, t0)
	require.NotNil(t, ev)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "basis-high", ev.RuleID)
	assert.Equal(t, basisKey, ev.Metric.Key)
	assert.Equal(t, "deribit BTC basis 0.051 above 0.05", ev.Reason)
	assert.Equal(t, t0.Add(time.Minute), st.CooldownUntil)
	assert.Equal(t, t0, st.LastTriggered)
}

func TestCooldownPaths(t *testing.T) {
	rule := aboveRule(time.Minute)
	st, _ := Evaluate(rule, InitialState(rule), dec("0.06"), true, t0)
	require.Equal(t, Triggered, st.State)

	// Released while the cooldown is still running.
	st, ev := Evaluate(rule, st, dec("0.01"), true, t0.Add(10*time.Second))
	assert.Nil(t, ev)
	assert.Equal(t, Cooldown, st.State)

	// Crossing again during cooldown re-enters triggered without a new event.
	st, ev = Evaluate(rule, st, dec("0.07"), true, t0.Add(20*time.Second))
	assert.Nil(t, ev)
	assert.Equal(t, Triggered, st.State)

	st, _ = Evaluate(rule, st, dec("0.01"), true, t0.Add(30*time.Second))
	require.Equal(t, Cooldown, st.State)

	// Still released once the cooldown has elapsed.
	st, ev = Evaluate(rule, st, dec("0.01"), true, t0.Add(61*time.Second))
	assert.Nil(t, ev)
	assert.Equal(t, Armed, st.State)
}

func TestStillBeyondAfterCooldownRearmsCooldown(t *testing.T) {
	rule := aboveRule(time.Minute)
	st, _ := Evaluate(rule, InitialState(rule), dec("0.06"), true, t0)

	later := t0.Add(2 * time.Minute)
	st, ev := Evaluate(rule, st, dec("0.06"), true, later)
	assert.Nil(t, ev)
	assert.Equal(t, Triggered, st.State)
	assert.Equal(t, later.Add(time.Minute), st.CooldownUntil)
	assert.Equal(t, t0, st.TriggeredAt)
}

func TestBelowOperator(t *testing.T) {
	rule := Rule{
		ID:         "deribit-funding-low",
		Target:     metrics.MetricKey{Instrument: "BTC", Venue: market.VenueDeribit, Kind: metrics.KindFundingRate},
		Operator:   Below,
		Threshold:  dec("-0.0025"),
		Hysteresis: dec("0.0005"),
		Enabled:    true,
	}
	states, events, _ := step(rule, InitialState(rule), t0, time.Second, "-0.001", "-0.0031", "-0.0021", "-0.0019")
	assert.Equal(t, []State{Armed, Triggered, Triggered, Armed}, states)
	assert.Equal(t, 1, events)
}

func TestMissingValueNeverTransitions(t *testing.T) {
	rule := aboveRule(0)
	st, _ := Evaluate(rule, InitialState(rule), dec("0.06"), true, t0)
	next, ev := Evaluate(rule, st, decimal.Decimal{}, false, t0.Add(time.Hour))
	assert.Nil(t, ev)
	assert.Equal(t, st, next)
}

func TestDisarmedIgnoresValues(t *testing.T) {
	rule := aboveRule(0)
	rule.Enabled = false
	st := InitialState(rule)
	require.Equal(t, Disarmed, st.State)
	st, ev := Evaluate(rule, st, dec("1"), true, t0)
	assert.Nil(t, ev)
	assert.Equal(t, Disarmed, st.State)
}

func TestEvaluatorDisableEnable(t *testing.T) {
	ev, err := NewEvaluator([]Rule{aboveRule(0)})
	require.NoError(t, err)

	snap := metrics.Snapshot{Metrics: map[metrics.MetricKey]metrics.DerivedMetric{
		basisKey: {Key: basisKey, Value: dec("0.06"), Window: []metrics.Sample{{Timestamp: t0, Value: dec("0.06")}}},
	}}

	events := ev.EvaluateAll(snap, t0)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Metric.Window, 1, "event carries the metric snapshot")
	assert.Equal(t, 1, ev.TriggeredCount())

	require.NoError(t, ev.Disable("basis-high"))
	assert.Equal(t, Disarmed, ev.States()["basis-high"].State)
	assert.Empty(t, ev.EvaluateAll(snap, t0.Add(time.Second)))
	assert.Equal(t, 0, ev.TriggeredCount())

	require.NoError(t, ev.Enable("basis-high"))
	assert.Equal(t, Armed, ev.States()["basis-high"].State)
	assert.Len(t, ev.EvaluateAll(snap, t0.Add(2*time.Second)), 1)

	assert.ErrorIs(t, ev.Disable("nope"), ErrUnknownRule)
}

func TestEvaluatorSkipsMissingMetric(t *testing.T) {
	ev, err := NewEvaluator([]Rule{aboveRule(0)})
	require.NoError(t, err)
	assert.Empty(t, ev.EvaluateAll(metrics.Snapshot{}, t0))
	assert.Equal(t, Armed, ev.States()["basis-high"].State)
}

func TestNewEvaluatorRejectsBadRules(t *testing.T) {
	_, err := NewEvaluator([]Rule{aboveRule(0), aboveRule(0)})
	assert.ErrorContains(t, err, "duplicate")

	bad := aboveRule(0)
	bad.Target.Kind = "vol"
	_, err = NewEvaluator([]Rule{bad})
	assert.ErrorContains(t, err, "unknown metric kind")
}

func TestParseOperator(t *testing.T) {
	for in, want := range map[string]Operator{">": Above, "above": Above, "<": Below, "Below": Below} {
		got, err := ParseOperator(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseOperator(">=")
	assert.Error(t, err)
}
