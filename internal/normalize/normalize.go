package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"quantumdesk/internal/market"
)

// CanonicalFundingPeriod is the period every funding rate is expressed over after normalization.
const CanonicalFundingPeriod = 8 * time.Hour

// Normalizer maps one venue payload onto canonical records. Implementations are pure.
type Normalizer interface {
	Normalize(p market.RawPayload) ([]market.Record, error)
}

// Options configure venue-specific conventions.
type Options struct {
	// FundingPeriod is the period the venue quotes funding over. Zero means CanonicalFundingPeriod.
	FundingPeriod time.Duration
	// SymbolMap overrides the derived canonical key for venue-local symbols.
	SymbolMap map[string]string
}

func (o Options) fundingScale() decimal.Decimal {
	if o.FundingPeriod <= 0 || o.FundingPeriod == CanonicalFundingPeriod {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(int64(CanonicalFundingPeriod)).Div(decimal.NewFromInt(int64(o.FundingPeriod)))
}

func (o Options) canonical(symbol string, derive func(string) string) string {
	if mapped, ok := o.SymbolMap[symbol]; ok && mapped != "" {
		return mapped
	}
	return derive(symbol)
}

// Error describes a payload that could not be normalized. It never aborts a batch.
type Error struct {
	Venue  market.Venue
	Symbol string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s %s: %s", e.Venue, e.Symbol, e.Reason)
}

// ForVenue returns the normalizer for a venue.
func ForVenue(venue market.Venue, opts Options) (Normalizer, error) {
	switch venue {
	case market.VenueBitfinex:
		return &Bitfinex{opts: opts}, nil
	case market.VenueDeribit:
		return &Deribit{opts: opts}, nil
	case market.VenueETF:
		return &ETF{opts: opts}, nil
	default:
		return nil, fmt.Errorf("no normalizer for venue %q", venue)
	}
}

// Batch normalizes payloads in order, logging and skipping any that are malformed.
func Batch(n Normalizer, payloads []market.RawPayload, logger zerolog.Logger) ([]market.Record, int) {
	records := make([]market.Record, 0, len(payloads))
	dropped := 0
	for _, p := range payloads {
		recs, err := n.Normalize(p)
		if err != nil {
			dropped++
			logger.Warn().Err(err).Str("venue", string(p.Venue)).Str("symbol", p.Symbol).Msg("dropping malformed payload")
			continue
		}
		records = append(records, recs...)
	}
	return records, dropped
}

// decimalField reads an optional numeric field. Missing and null values are absent;
// anything else that is not a number is an error.
func decimalField(res gjson.Result) (decimal.NullDecimal, error) {
	switch res.Type {
	case gjson.Null:
		return decimal.NullDecimal{}, nil
	case gjson.Number:
		d, err := decimal.NewFromString(res.Raw)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return market.Some(d), nil
	case gjson.String:
		if strings.TrimSpace(res.Str) == "" {
			return decimal.NullDecimal{}, nil
		}
		d, err := decimal.NewFromString(res.Str)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return market.Some(d), nil
	default:
		return decimal.NullDecimal{}, fmt.Errorf("not a number: %s", res.Raw)
	}
}

// millisField reads an optional unix-millisecond timestamp.
func millisField(res gjson.Result) (*time.Time, error) {
	switch res.Type {
	case gjson.Null:
		return nil, nil
	case gjson.Number, gjson.String:
		ms := res.Int()
		if ms <= 0 {
			return nil, fmt.Errorf("invalid timestamp: %s", res.Raw)
		}
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	default:
		return nil, fmt.Errorf("invalid timestamp: %s", res.Raw)
	}
}

type fieldSpec struct {
	name string
	res  gjson.Result
	dst  *decimal.NullDecimal
}

func readFields(venue market.Venue, symbol string, specs []fieldSpec) error {
	for _, s := range specs {
		v, err := decimalField(s.res)
		if err != nil {
			return &Error{Venue: venue, Symbol: symbol, Reason: fmt.Sprintf("field %s: %v", s.name, err)}
		}
		*s.dst = v
	}
	return nil
}

func scaleFunding(v decimal.NullDecimal, scale decimal.Decimal) decimal.NullDecimal {
	if !v.Valid {
		return v
	}
	return market.Some(v.Decimal.Mul(scale))
}

func resolveTimestamp(venue market.Venue, symbol string, res gjson.Result, fallback time.Time) (time.Time, error) {
	ts, err := millisField(res)
	if err != nil {
		return time.Time{}, &Error{Venue: venue, Symbol: symbol, Reason: err.Error()}
	}
	if ts == nil {
		return fallback.UTC(), nil
	}
	return *ts, nil
}
