package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"quantumdesk/internal/market"
)

const (
	deribitStreamEndpoint = "ws:ticker"
	streamReadTimeout     = 30 * time.Second
)

type deribitRPC struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

// Stream subscribes to ticker notifications for the instruments. Each notification is
// forwarded as a payload shaped like a REST ticker response. The channel closes when ctx
// ends or the connection fails; reconnecting is the caller's decision.
func (d *Deribit) Stream(ctx context.Context, instruments []string) (<-chan market.RawPayload, error) {
	if len(instruments) == 0 {
		return nil, market.NewFatal(market.VenueDeribit, 0, errors.New("no instruments configured"))
	}
	if err := d.checkCredentials(); err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, market.NewTransient(market.VenueDeribit, status, fmt.Errorf("dial websocket: %w", err))
	}

	channels := make([]string, 0, len(instruments))
	for _, instrument := range instruments {
		channels = append(channels, fmt.Sprintf("ticker.%s.%s", instrument, d.opts.StreamInterval))
	}
	sub := deribitRPC{JSONRPC: "2.0", ID: 1, Method: "public/subscribe", Params: map[string]any{"channels": channels}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, market.NewTransient(market.VenueDeribit, 0, fmt.Errorf("subscribe: %w", err))
	}

	out := make(chan market.RawPayload, 64)
	go d.readStream(ctx, conn, out)

	d.logger.Info().Strs("channels", channels).Msg("ticker stream subscribed")
	return out, nil
}

func (d *Deribit) readStream(ctx context.Context, conn *websocket.Conn, out chan<- market.RawPayload) {
	defer close(out)
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn().Err(err).Msg("ticker stream read failed")
			}
			return
		}

		parsed := gjson.ParseBytes(msg)
		if parsed.Get("method").String() != "subscription" {
			if errMsg := parsed.Get("error.message"); errMsg.Exists() {
				d.logger.Error().Str("error", errMsg.String()).Msg("ticker subscription rejected")
				return
			}
			continue
		}

		data := parsed.Get("params.data")
		symbol := data.Get("instrument_name").String()
		if symbol == "" {
			channel := parsed.Get("params.channel").String()
			if parts := strings.Split(channel, "."); len(parts) >= 2 {
				symbol = parts[1]
			}
		}

		payload := market.RawPayload{
			Venue:      market.VenueDeribit,
			Endpoint:   deribitStreamEndpoint,
			Symbol:     symbol,
			Body:       []byte(`{"result":` + data.Raw + `}`),
			ReceivedAt: d.now().UTC(),
		}

		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

var _ Streamer = (*Deribit)(nil)
