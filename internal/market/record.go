package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies a supported trading venue or data provider.
type Venue string

const (
	VenueBitfinex Venue = "bitfinex"
	VenueDeribit  Venue = "deribit"
	VenueETF      Venue = "etf"
)

// Venues lists every venue a connector exists for.
var Venues = []Venue{VenueBitfinex, VenueDeribit, VenueETF}

// ParseVenue maps a configured venue name onto the enum.
func ParseVenue(name string) (Venue, error) {
	v := Venue(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Venues {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown venue %q", name)
}

func (v Venue) String() string { return string(v) }

// Record is the canonical observation of one instrument at one venue at one instant.
type Record struct {
	Venue      Venue
	Instrument string
	Symbol     string
	Timestamp  time.Time

	SpotPrice        decimal.NullDecimal
	MarkPrice        decimal.NullDecimal
	FundingRate      decimal.NullDecimal
	PredictedFunding decimal.NullDecimal
	NextFundingTime  *time.Time

	// ETF feeds report a traded price against a net asset value.
	MarketPrice decimal.NullDecimal
	NAV         decimal.NullDecimal
}

// Key returns the series the record belongs to.
func (r Record) Key() SeriesKey {
	return SeriesKey{Venue: r.Venue, Instrument: r.Instrument}
}

// Equal reports whether two records carry the same timestamp and payload.
func (r Record) Equal(o Record) bool {
	if r.Venue != o.Venue || r.Instrument != o.Instrument || r.Symbol != o.Symbol {
		return false
	}
	if !r.Timestamp.Equal(o.Timestamp) {
		return false
	}
	if !nullEqual(r.SpotPrice, o.SpotPrice) ||
		!nullEqual(r.MarkPrice, o.MarkPrice) ||
		!nullEqual(r.FundingRate, o.FundingRate) ||
		!nullEqual(r.PredictedFunding, o.PredictedFunding) ||
		!nullEqual(r.MarketPrice, o.MarketPrice) ||
		!nullEqual(r.NAV, o.NAV) {
		return false
	}
	switch {
	case r.NextFundingTime == nil && o.NextFundingTime == nil:
		return true
	case r.NextFundingTime == nil || o.NextFundingTime == nil:
		return false
	default:
		return r.NextFundingTime.Equal(*o.NextFundingTime)
	}
}

func nullEqual(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

// SeriesKey identifies a (venue, canonical instrument) stream.
type SeriesKey struct {
	Venue      Venue
	Instrument string
}

func (k SeriesKey) String() string {
	return string(k.Venue) + ":" + k.Instrument
}

// RawPayload is an unparsed response body exactly as a connector received it.
type RawPayload struct {
	Venue      Venue
	Endpoint   string
	Symbol     string
	Body       []byte
	ReceivedAt time.Time
}

// Some wraps a decimal as a present optional value.
func Some(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
