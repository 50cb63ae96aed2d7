package normalize

import (
	"strings"

	"github.com/tidwall/gjson"

	"quantumdesk/internal/market"
)

// Bitfinex deriv status row positions.
const (
	bfxKey             = "0"
	bfxMTS             = "1"
	bfxSpotPrice       = "4"
	bfxNextFundingTS   = "8"
	bfxNextFundingAccr = "9"
	bfxCurrentFunding  = "12"
	bfxMarkPrice       = "15"
)

// Bitfinex normalizes one /v2/status/deriv row.
type Bitfinex struct {
	opts Options
}

func (b *Bitfinex) Normalize(p market.RawPayload) ([]market.Record, error) {
	row := gjson.ParseBytes(p.Body)
	if !row.IsArray() {
		return nil, &Error{Venue: market.VenueBitfinex, Symbol: p.Symbol, Reason: "row is not an array"}
	}
	symbol := row.Get(bfxKey).String()
	if symbol == "" {
		return nil, &Error{Venue: market.VenueBitfinex, Symbol: p.Symbol, Reason: "missing derivative key"}
	}

	ts, err := resolveTimestamp(market.VenueBitfinex, symbol, row.Get(bfxMTS), p.ReceivedAt)
	if err != nil {
		return nil, err
	}

	rec := market.Record{
		Venue:      market.VenueBitfinex,
		Instrument: b.opts.canonical(symbol, bitfinexCanonical),
		Symbol:     symbol,
		Timestamp:  ts,
	}
	err = readFields(market.VenueBitfinex, symbol, []fieldSpec{
		{"spot_price", row.Get(bfxSpotPrice), &rec.SpotPrice},
		{"mark_price", row.Get(bfxMarkPrice), &rec.MarkPrice},
		{"current_funding", row.Get(bfxCurrentFunding), &rec.FundingRate},
		{"next_funding_accrued", row.Get(bfxNextFundingAccr), &rec.PredictedFunding},
	})
	if err != nil {
		return nil, err
	}

	next, err := millisField(row.Get(bfxNextFundingTS))
	if err != nil {
		return nil, &Error{Venue: market.VenueBitfinex, Symbol: symbol, Reason: "next funding: " + err.Error()}
	}
	rec.NextFundingTime = next

	scale := b.opts.fundingScale()
	rec.FundingRate = scaleFunding(rec.FundingRate, scale)
	rec.PredictedFunding = scaleFunding(rec.PredictedFunding, scale)
	return []market.Record{rec}, nil
}

// tBTCF0:USTF0 -> BTC, tBTCUSD -> BTC.
func bitfinexCanonical(symbol string) string {
	s := strings.TrimPrefix(symbol, "t")
	if i := strings.Index(s, "F0:"); i > 0 {
		return s[:i]
	}
	if i := strings.Index(s, ":"); i > 0 {
		return s[:i]
	}
	for _, quote := range []string{"USD", "UST"} {
		if len(s) > len(quote) && strings.HasSuffix(s, quote) {
			return s[:len(s)-len(quote)]
		}
	}
	return s
}

// Deribit normalizes a public/ticker response or stream notification.
type Deribit struct {
	opts Options
}

func (d *Deribit) Normalize(p market.RawPayload) ([]market.Record, error) {
	root := gjson.ParseBytes(p.Body)
	if errMsg := root.Get("error.message"); errMsg.Exists() {
		return nil, &Error{Venue: market.VenueDeribit, Symbol: p.Symbol, Reason: "api error: " + errMsg.String()}
	}
	t := root
	if res := root.Get("result"); res.Exists() {
		t = res
	}
	if !t.IsObject() {
		return nil, &Error{Venue: market.VenueDeribit, Symbol: p.Symbol, Reason: "ticker is not an object"}
	}

	symbol := t.Get("instrument_name").String()
	if symbol == "" {
		symbol = p.Symbol
	}
	if symbol == "" {
		return nil, &Error{Venue: market.VenueDeribit, Reason: "missing instrument_name"}
	}

	ts, err := resolveTimestamp(market.VenueDeribit, symbol, t.Get("timestamp"), p.ReceivedAt)
	if err != nil {
		return nil, err
	}

	rec := market.Record{
		Venue:      market.VenueDeribit,
		Instrument: d.opts.canonical(symbol, deribitCanonical),
		Symbol:     symbol,
		Timestamp:  ts,
	}
	err = readFields(market.VenueDeribit, symbol, []fieldSpec{
		{"index_price", t.Get("index_price"), &rec.SpotPrice},
		{"mark_price", t.Get("mark_price"), &rec.MarkPrice},
		{"funding_8h", t.Get("funding_8h"), &rec.FundingRate},
		{"current_funding", t.Get("current_funding"), &rec.PredictedFunding},
	})
	if err != nil {
		return nil, err
	}

	scale := d.opts.fundingScale()
	rec.FundingRate = scaleFunding(rec.FundingRate, scale)
	rec.PredictedFunding = scaleFunding(rec.PredictedFunding, scale)
	return []market.Record{rec}, nil
}

// BTC-PERPETUAL -> BTC, ETH_USDC-PERPETUAL -> ETH.
func deribitCanonical(symbol string) string {
	s := symbol
	if i := strings.Index(s, "-"); i > 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "_"); i > 0 {
		s = s[:i]
	}
	return strings.ToUpper(s)
}

// ETF normalizes a NAV provider quote.
type ETF struct {
	opts Options
}

func (e *ETF) Normalize(p market.RawPayload) ([]market.Record, error) {
	q := gjson.ParseBytes(p.Body)
	if !q.IsObject() {
		return nil, &Error{Venue: market.VenueETF, Symbol: p.Symbol, Reason: "quote is not an object"}
	}
	symbol := q.Get("symbol").String()
	if symbol == "" {
		symbol = p.Symbol
	}
	if symbol == "" {
		return nil, &Error{Venue: market.VenueETF, Reason: "missing symbol"}
	}

	ts, err := resolveTimestamp(market.VenueETF, symbol, q.Get("timestamp"), p.ReceivedAt)
	if err != nil {
		return nil, err
	}

	rec := market.Record{
		Venue:      market.VenueETF,
		Instrument: e.opts.canonical(symbol, strings.ToUpper),
		Symbol:     symbol,
		Timestamp:  ts,
	}
	err = readFields(market.VenueETF, symbol, []fieldSpec{
		{"price", q.Get("price"), &rec.MarketPrice},
		{"nav", q.Get("nav"), &rec.NAV},
	})
	if err != nil {
		return nil, err
	}
	if !rec.MarketPrice.Valid && !rec.NAV.Valid {
		return nil, &Error{Venue: market.VenueETF, Symbol: symbol, Reason: "quote has neither price nor nav"}
	}
	return []market.Record{rec}, nil
}
