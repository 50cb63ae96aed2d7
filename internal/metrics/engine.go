package metrics

import (
	"time"

	"github.com/shopspring/decimal"

	"quantumdesk/internal/market"
)

// Kind names a derived quantity.
type Kind string

const (
	KindFundingRate      Kind = "funding_rate"
	KindPredictedFunding Kind = "predicted_funding"
	KindBasis            Kind = "basis"
	KindETFPremium       Kind = "etf_premium"
)

// Kinds lists every derived quantity in display order.
var Kinds = []Kind{KindFundingRate, KindPredictedFunding, KindBasis, KindETFPremium}

// ParseKind validates a configured metric kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// MetricKey identifies one derived value.
type MetricKey struct {
	Instrument string       `json:"instrument"`
	Venue      market.Venue `json:"venue"`
	Kind       Kind         `json:"kind"`
}

func (k MetricKey) String() string {
	return string(k.Venue) + " " + k.Instrument + " " + string(k.Kind)
}

// DerivedMetric is the current value of a metric plus its recent history.
type DerivedMetric struct {
	Key        MetricKey       `json:"key"`
	Value      decimal.Decimal `json:"value"`
	ComputedAt time.Time       `json:"computed_at"`
	Window     []Sample        `json:"window"`
}

// IngestResult reports what Ingest did with a record.
type IngestResult int

const (
	Accepted IngestResult = iota
	Duplicate
	Stale
)

func (r IngestResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "stale"
	}
}

// Options configure an Engine.
type Options struct {
	HistorySize int
	Predictor   Predictor
}

// Engine holds the latest record per series and every derived metric.
//
// Engine is not safe for concurrent use: a single goroutine owns it and hands
// consumers copies through Snapshot.
type Engine struct {
	historySize int
	predictor   Predictor
	now         func() time.Time

	latest     map[market.SeriesKey]market.Record
	watermarks map[market.SeriesKey]time.Time
	windows    map[MetricKey]*Window
	derived    map[MetricKey]DerivedMetric
}

// NewEngine builds an empty engine.
func NewEngine(opts Options) *Engine {
	if opts.HistorySize <= 0 {
		opts.HistorySize = 32
	}
	if opts.Predictor == nil {
		opts.Predictor = DefaultPredictor
	}
	return &Engine{
		historySize: opts.HistorySize,
		predictor:   opts.Predictor,
		now:         time.Now,
		latest:      make(map[market.SeriesKey]market.Record),
		watermarks:  make(map[market.SeriesKey]time.Time),
		windows:     make(map[MetricKey]*Window),
		derived:     make(map[MetricKey]DerivedMetric),
	}
}

// Ingest applies rec. Records older than the series watermark are rejected and
// an exact repeat of the latest record changes nothing.
func (e *Engine) Ingest(rec market.Record) IngestResult {
	key := rec.Key()
	if wm, ok := e.watermarks[key]; ok {
		if rec.Timestamp.Before(wm) {
			return Stale
		}
		if prev, ok := e.latest[key]; ok && prev.Equal(rec) {
			return Duplicate
		}
	}

	e.latest[key] = rec
	e.watermarks[key] = rec.Timestamp
	e.recompute(key, rec.Timestamp)
	return Accepted
}

func (e *Engine) recompute(key market.SeriesKey, ts time.Time) {
	rec := e.latest[key]

	if rec.FundingRate.Valid {
		e.record(key, KindFundingRate, rec.FundingRate.Decimal, ts)
	} else {
		e.clear(key, KindFundingRate)
	}

	if v, ok := e.ComputePredictedFunding(key.Instrument, key.Venue); ok {
		e.record(key, KindPredictedFunding, v, ts)
	} else {
		e.clear(key, KindPredictedFunding)
	}

	if v, ok := e.ComputeBasis(key.Instrument, key.Venue); ok {
		e.record(key, KindBasis, v, ts)
	} else {
		e.clear(key, KindBasis)
	}

	if v, ok := e.ComputeETFPremium(key.Instrument, key.Venue); ok {
		e.record(key, KindETFPremium, v, ts)
	} else {
		e.clear(key, KindETFPremium)
	}
}

func (e *Engine) record(series market.SeriesKey, kind Kind, v decimal.Decimal, ts time.Time) {
	mk := MetricKey{Instrument: series.Instrument, Venue: series.Venue, Kind: kind}
	w, ok := e.windows[mk]
	if !ok {
		w = NewWindow(e.historySize)
		e.windows[mk] = w
	}
	w.Add(Sample{Timestamp: ts, Value: v})
	e.derived[mk] = DerivedMetric{Key: mk, Value: v, ComputedAt: e.now().UTC()}
}

// clear drops the current value; the window is kept so history survives a
// momentarily missing leg.
func (e *Engine) clear(series market.SeriesKey, kind Kind) {
	delete(e.derived, MetricKey{Instrument: series.Instrument, Venue: series.Venue, Kind: kind})
}

// ComputeBasis returns (mark - spot) / spot for the series.
func (e *Engine) ComputeBasis(instrument string, venue market.Venue) (decimal.Decimal, bool) {
	rec, ok := e.latest[market.SeriesKey{Venue: venue, Instrument: instrument}]
	if !ok || !rec.SpotPrice.Valid || !rec.MarkPrice.Valid || rec.SpotPrice.Decimal.IsZero() {
		return decimal.Decimal{}, false
	}
	return rec.MarkPrice.Decimal.Sub(rec.SpotPrice.Decimal).Div(rec.SpotPrice.Decimal), true
}

// ComputePredictedFunding runs the predictor over the series funding history.
func (e *Engine) ComputePredictedFunding(instrument string, venue market.Venue) (decimal.Decimal, bool) {
	w, ok := e.windows[MetricKey{Instrument: instrument, Venue: venue, Kind: KindFundingRate}]
	if !ok || w.Len() == 0 {
		return decimal.Decimal{}, false
	}
	return e.predictor.Predict(w.Samples())
}

// ComputeETFPremium returns market / NAV - 1 for the series.
func (e *Engine) ComputeETFPremium(instrument string, venue market.Venue) (decimal.Decimal, bool) {
	rec, ok := e.latest[market.SeriesKey{Venue: venue, Instrument: instrument}]
	if !ok || !rec.MarketPrice.Valid || !rec.NAV.Valid || rec.NAV.Decimal.IsZero() {
		return decimal.Decimal{}, false
	}
	return rec.MarketPrice.Decimal.Div(rec.NAV.Decimal).Sub(decimal.NewFromInt(1)), true
}

// Evict forgets everything a venue contributed except its watermarks, so records
// older than what was already accepted stay rejected after the venue recovers.
func (e *Engine) Evict(venue market.Venue) {
	for k := range e.latest {
		if k.Venue == venue {
			delete(e.latest, k)
		}
	}
	for k := range e.windows {
		if k.Venue == venue {
			delete(e.windows, k)
		}
	}
	for k := range e.derived {
		if k.Venue == venue {
			delete(e.derived, k)
		}
	}
}

// Latest returns the newest accepted record of a series.
func (e *Engine) Latest(instrument string, venue market.Venue) (market.Record, bool) {
	rec, ok := e.latest[market.SeriesKey{Venue: venue, Instrument: instrument}]
	return rec, ok
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Metrics: make(map[MetricKey]DerivedMetric, len(e.derived)),
		Records: make(map[market.SeriesKey]market.Record, len(e.latest)),
		TakenAt: e.now().UTC(),
	}
	for k, m := range e.derived {
		if w, ok := e.windows[k]; ok {
			m.Window = w.Samples()
		}
		snap.Metrics[k] = m
	}
	for k, rec := range e.latest {
		if rec.NextFundingTime != nil {
			t := *rec.NextFundingTime
			rec.NextFundingTime = &t
		}
		snap.Records[k] = rec
	}
	snap.Summary = summarize(snap)
	return snap
}
