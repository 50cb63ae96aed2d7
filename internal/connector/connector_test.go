package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"quantumdesk/internal/market"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestBitfinexFetchSnapshotSplitsRows(t *testing.T) {
	var gotKeys string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, bitfinexDerivPath, r.URL.Path)
		gotKeys = r.URL.Query().Get("keys")
		_, _ = w.Write([]byte(`[["tBTCF0:USTF0",1700000000000,null,65430.5,65410.25,null,1,null,1700003000000,0.00072,1,null,0.00065,null,null,65431.1],` +
			`["tETHF0:USTF0",1700000000000,null,3500,3499,null,1,null,1700003000000,0.0001,1,null,0.0002,null,null,3501]]`))
	}))
	defer srv.Close()

	b := NewBitfinex(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	payloads, err := b.FetchSnapshot(context.Background(), []string{"tBTCF0:USTF0", "tETHF0:USTF0"})
	require.NoError(t, err)
	require.Len(t, payloads, 2)

	assert.Equal(t, "tBTCF0:USTF0,tETHF0:USTF0", gotKeys)
	assert.Equal(t, "tBTCF0:USTF0", payloads[0].Symbol)
	assert.Equal(t, "tETHF0:USTF0", payloads[1].Symbol)
	assert.Equal(t, market.VenueBitfinex, payloads[0].Venue)
	assert.Equal(t, 65431.1, gjson.GetBytes(payloads[0].Body, "15").Float())
}

func TestBitfinexServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewBitfinex(Options{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := b.FetchSnapshot(context.Background(), []string{"tBTCF0:USTF0"})
	require.Error(t, err)
	assert.False(t, market.IsFatal(err))

	var ce *market.ConnectorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusBadGateway, ce.Status)
}

func TestDeribitUnauthorizedIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":13009,"message":"unauthorized"}}`))
	}))
	defer srv.Close()

	d := NewDeribit(DeribitOptions{Options: Options{BaseURL: srv.URL, Timeout: time.Second}}, noopLogger())
	_, err := d.FetchSnapshot(context.Background(), []string{"BTC-PERPETUAL"})
	require.Error(t, err)
	assert.True(t, market.IsFatal(err))
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestDeribitHalfConfiguredCredentialsAreFatal(t *testing.T) {
	d := NewDeribit(DeribitOptions{Options: Options{BaseURL: "http://127.0.0.1:1", APIKey: "key"}}, noopLogger())
	_, err := d.FetchSnapshot(context.Background(), []string{"BTC-PERPETUAL"})
	require.Error(t, err)
	assert.True(t, market.IsFatal(err))
}

func TestDeribitFetchSnapshotKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("instrument_name")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":{"instrument_name":"` + name + `","timestamp":1700000000000,"index_price":100,"mark_price":101,"funding_8h":0.0001,"current_funding":0.00002}}`))
	}))
	defer srv.Close()

	d := NewDeribit(DeribitOptions{Options: Options{BaseURL: srv.URL, Timeout: time.Second}}, noopLogger())
	payloads, err := d.FetchSnapshot(context.Background(), []string{"BTC-PERPETUAL", "ETH-PERPETUAL"})
	require.NoError(t, err)
	require.Len(t, payloads, 2)
	assert.Equal(t, "BTC-PERPETUAL", payloads[0].Symbol)
	assert.Equal(t, "ETH-PERPETUAL", gjson.GetBytes(payloads[1].Body, "result.instrument_name").String())
}

func TestDeribitTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	d := NewDeribit(DeribitOptions{Options: Options{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}}, noopLogger())
	_, err := d.FetchSnapshot(context.Background(), []string{"BTC-PERPETUAL"})
	require.Error(t, err)
	assert.False(t, market.IsFatal(err))
}

func TestDeribitStreamForwardsTickerNotifications(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":["ticker.BTC-PERPETUAL.100ms"]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.BTC-PERPETUAL.100ms","data":{"instrument_name":"BTC-PERPETUAL","timestamp":1700000000000,"index_price":100,"mark_price":101}}}`))
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := NewDeribit(DeribitOptions{WSURL: wsURL}, noopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := d.Stream(ctx, []string{"BTC-PERPETUAL"})
	require.NoError(t, err)

	select {
	case p, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, "BTC-PERPETUAL", p.Symbol)
		assert.Equal(t, 101.0, gjson.GetBytes(p.Body, "result.mark_price").Float())
	case <-ctx.Done():
		t.Fatal("timeout waiting for ticker notification")
	}
}

func TestETFRequiresBaseURL(t *testing.T) {
	e := NewETF(Options{}, noopLogger())
	_, err := e.FetchSnapshot(context.Background(), []string{"IBIT"})
	require.Error(t, err)
	assert.True(t, market.IsFatal(err))
}

func TestETFSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"IBIT","price":40.6,"nav":40,"timestamp":1700000000000}`))
	}))
	defer srv.Close()

	e := NewETF(Options{BaseURL: srv.URL, APIKey: "secret"}, noopLogger())
	payloads, err := e.FetchSnapshot(context.Background(), []string{"IBIT"})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "IBIT", payloads[0].Symbol)

	e = NewETF(Options{BaseURL: srv.URL}, noopLogger())
	_, err = e.FetchSnapshot(context.Background(), []string{"IBIT"})
	require.Error(t, err)
	assert.True(t, market.IsFatal(err))
}
