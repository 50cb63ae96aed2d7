package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantumdesk/internal/market"
)

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestBitfinexRow(t *testing.T) {
	n, err := ForVenue(market.VenueBitfinex, Options{})
	require.NoError(t, err)

	body := `["tBTCF0:USTF0",1700000000000,null,65430.5,65410.25,null,1,null,1700003000000,0.00072,1,null,0.00065,null,null,65431.1]`
	recs, err := n.Normalize(market.RawPayload{Venue: market.VenueBitfinex, Body: []byte(body), ReceivedAt: received})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, "BTC", r.Instrument)
	assert.Equal(t, "tBTCF0:USTF0", r.Symbol)
	assert.True(t, r.Timestamp.Equal(time.UnixMilli(1700000000000)))
	assert.True(t, r.SpotPrice.Decimal.Equal(dec("65410.25")))
	assert.True(t, r.MarkPrice.Decimal.Equal(dec("65431.1")))
	assert.True(t, r.FundingRate.Decimal.Equal(dec("0.00065")))
	assert.True(t, r.PredictedFunding.Decimal.Equal(dec("0.00072")))
	require.NotNil(t, r.NextFundingTime)
	assert.True(t, r.NextFundingTime.Equal(time.UnixMilli(1700003000000)))
}

func TestBitfinexShortRowLeavesFieldsAbsent(t *testing.T) {
	n := &Bitfinex{}
	recs, err := n.Normalize(market.RawPayload{Body: []byte(`["tETHF0:USTF0",1700000000000,null,3500,3499]`), ReceivedAt: received})
	require.NoError(t, err)
	assert.Equal(t, "ETH", recs[0].Instrument)
	assert.True(t, recs[0].SpotPrice.Valid)
	assert.False(t, recs[0].MarkPrice.Valid)
	assert.False(t, recs[0].FundingRate.Valid)
}

func TestDeribitTickerScalesFundingPeriod(t *testing.T) {
	// A venue quoting hourly funding is scaled up to the 8h canonical period.
	n, err := ForVenue(market.VenueDeribit, Options{FundingPeriod: time.Hour})
	require.NoError(t, err)

	body := `{"jsonrpc":"2.0","result":{"instrument_name":"BTC-PERPETUAL","timestamp":1700000000000,"index_price":100,"mark_price":101,"funding_8h":0.0001,"current_funding":0.00002}}`
	recs, err := n.Normalize(market.RawPayload{Venue: market.VenueDeribit, Body: []byte(body), ReceivedAt: received})
	require.NoError(t, err)

	r := recs[0]
	assert.Equal(t, "BTC", r.Instrument)
	assert.True(t, r.FundingRate.Decimal.Equal(dec("0.0008")), r.FundingRate.Decimal.String())
	assert.True(t, r.PredictedFunding.Decimal.Equal(dec("0.00016")))
	assert.True(t, r.SpotPrice.Decimal.Equal(dec("100")))
}

func TestDeribitMissingTimestampFallsBackToReceipt(t *testing.T) {
	n := &Deribit{}
	recs, err := n.Normalize(market.RawPayload{Symbol: "ETH-PERPETUAL", Body: []byte(`{"result":{"mark_price":3500}}`), ReceivedAt: received})
	require.NoError(t, err)
	assert.Equal(t, "ETH", recs[0].Instrument)
	assert.True(t, recs[0].Timestamp.Equal(received))
}

func TestSymbolMapOverride(t *testing.T) {
	n := &Deribit{opts: Options{SymbolMap: map[string]string{"BTC_USDC-PERPETUAL": "BTC-USDC"}}}
	recs, err := n.Normalize(market.RawPayload{Body: []byte(`{"result":{"instrument_name":"BTC_USDC-PERPETUAL","mark_price":1}}`), ReceivedAt: received})
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDC", recs[0].Instrument)
}

func TestMalformedFieldIsNormalizationError(t *testing.T) {
	n := &Deribit{}
	_, err := n.Normalize(market.RawPayload{Body: []byte(`{"result":{"instrument_name":"BTC-PERPETUAL","mark_price":"abc"}}`), ReceivedAt: received})
	require.Error(t, err)
	var nerr *Error
	assert.True(t, errors.As(err, &nerr))
	assert.Contains(t, nerr.Reason, "mark_price")
}

func TestETFQuote(t *testing.T) {
	n := &ETF{}
	recs, err := n.Normalize(market.RawPayload{Body: []byte(`{"symbol":"ibit","price":40.6,"nav":40,"timestamp":1700000000000}`), ReceivedAt: received})
	require.NoError(t, err)
	assert.Equal(t, "IBIT", recs[0].Instrument)
	assert.True(t, recs[0].NAV.Decimal.Equal(dec("40")))

	_, err = n.Normalize(market.RawPayload{Symbol: "IBIT", Body: []byte(`{"symbol":"IBIT"}`), ReceivedAt: received})
	assert.Error(t, err)
}

func TestBatchDropsMalformedAndKeepsRest(t *testing.T) {
	n := &Deribit{}
	payloads := []market.RawPayload{
		{Symbol: "BTC-PERPETUAL", Body: []byte(`{"result":{"instrument_name":"BTC-PERPETUAL","mark_price":101,"timestamp":1700000000000}}`)},
		{Symbol: "XRP-PERPETUAL", Body: []byte(`not json`)},
		{Symbol: "ETH-PERPETUAL", Body: []byte(`{"result":{"instrument_name":"ETH-PERPETUAL","mark_price":3500,"timestamp":1700000000000}}`)},
	}
	recs, dropped := Batch(n, payloads, zerolog.Nop())
	assert.Equal(t, 1, dropped)
	require.Len(t, recs, 2)
	assert.Equal(t, "BTC", recs[0].Instrument)
	assert.Equal(t, "ETH", recs[1].Instrument)
}

func TestBitfinexCanonical(t *testing.T) {
	cases := map[string]string{
		"tBTCF0:USTF0": "BTC",
		"tETHF0:USTF0": "ETH",
		"tBTCUSD":      "BTC",
		"tTESTBTC:USD": "TESTBTC",
	}
	for in, want := range cases {
		assert.Equal(t, want, bitfinexCanonical(in), in)
	}
}
