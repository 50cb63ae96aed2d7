package metrics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"quantumdesk/internal/market"
)

// Summary aggregates a snapshot for the status line.
type Summary struct {
	VenuesOnline       int                 `json:"venues_online"`
	AverageFundingRate decimal.NullDecimal `json:"average_funding_rate"`
}

// Snapshot is an immutable copy of the engine state. Nothing in it aliases engine memory.
type Snapshot struct {
	Metrics map[MetricKey]DerivedMetric        `json:"-"`
	Records map[market.SeriesKey]market.Record `json:"-"`
	Summary Summary                            `json:"summary"`
	TakenAt time.Time                          `json:"taken_at"`
}

// Get returns the derived metric stored under key.
func (s Snapshot) Get(key MetricKey) (DerivedMetric, bool) {
	m, ok := s.Metrics[key]
	return m, ok
}

// Value returns just the current value under key.
func (s Snapshot) Value(key MetricKey) (decimal.Decimal, bool) {
	m, ok := s.Metrics[key]
	return m.Value, ok
}

// Sorted returns the metrics ordered by instrument, venue and kind.
func (s Snapshot) Sorted() []DerivedMetric {
	out := make([]DerivedMetric, 0, len(s.Metrics))
	for _, m := range s.Metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Instrument != b.Instrument {
			return a.Instrument < b.Instrument
		}
		if a.Venue != b.Venue {
			return a.Venue < b.Venue
		}
		return kindOrder(a.Kind) < kindOrder(b.Kind)
	})
	return out
}

func kindOrder(k Kind) int {
	for i, known := range Kinds {
		if k == known {
			return i
		}
	}
	return len(Kinds)
}

func summarize(s Snapshot) Summary {
	venues := make(map[market.Venue]struct{})
	for k := range s.Records {
		venues[k.Venue] = struct{}{}
	}

	var sum decimal.Decimal
	n := 0
	for k, m := range s.Metrics {
		if k.Kind != KindFundingRate {
			continue
		}
		sum = sum.Add(m.Value)
		n++
	}
	out := Summary{VenuesOnline: len(venues)}
	if n > 0 {
		out.AverageFundingRate = market.Some(sum.Div(decimal.NewFromInt(int64(n))))
	}
	return out
}
