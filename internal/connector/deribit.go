package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quantumdesk/internal/market"
)

const (
	deribitDefaultBase = "https://www.deribit.com"
	deribitDefaultWS   = "wss://www.deribit.com/ws/api/v2"
	deribitTickerPath  = "/api/v2/public/ticker"
)

// DeribitOptions extend the shared options with the websocket endpoint.
type DeribitOptions struct {
	Options
	WSURL          string
	StreamInterval string
}

// Deribit polls the public ticker per instrument or streams ticker notifications.
type Deribit struct {
	opts    DeribitOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	wsURL   string
	now     func() time.Time
}

// NewDeribit constructs a Deribit connector.
func NewDeribit(opts DeribitOptions, logger zerolog.Logger) *Deribit {
	wsURL := strings.TrimSpace(opts.WSURL)
	if wsURL == "" {
		wsURL = deribitDefaultWS
	}
	if opts.StreamInterval == "" {
		opts.StreamInterval = "100ms"
	}
	return &Deribit{
		opts:    opts,
		logger:  logger.With().Str("component", "deribit_connector").Logger(),
		client:  opts.client(),
		baseURL: opts.baseURL(deribitDefaultBase),
		wsURL:   wsURL,
		now:     time.Now,
	}
}

func (d *Deribit) Venue() market.Venue { return market.VenueDeribit }

func (d *Deribit) Endpoint() string { return deribitTickerPath }

// RequestCost is one ticker call per instrument.
func (d *Deribit) RequestCost(instruments []string) int { return len(instruments) }

// FetchSnapshot requests each ticker in turn; Deribit has no batched ticker call.
// A failure on any instrument fails the whole snapshot so no partial batch is returned.
func (d *Deribit) FetchSnapshot(ctx context.Context, instruments []string) ([]market.RawPayload, error) {
	if len(instruments) == 0 {
		return nil, market.NewFatal(market.VenueDeribit, 0, errors.New("no instruments configured"))
	}
	if err := d.checkCredentials(); err != nil {
		return nil, err
	}

	headers := map[string]string{"User-Agent": d.opts.userAgent()}
	payloads := make([]market.RawPayload, 0, len(instruments))
	for _, instrument := range instruments {
		endpoint := fmt.Sprintf("%s%s?instrument_name=%s", d.baseURL, deribitTickerPath, url.QueryEscape(instrument))
		body, err := getJSON(ctx, d.client, market.VenueDeribit, endpoint, headers)
		if err != nil {
			return nil, fmt.Errorf("ticker %s: %w", instrument, err)
		}
		payloads = append(payloads, market.RawPayload{
			Venue:      market.VenueDeribit,
			Endpoint:   deribitTickerPath,
			Symbol:     instrument,
			Body:       body,
			ReceivedAt: d.now().UTC(),
		})
	}
	return payloads, nil
}

// Public market data needs no auth, but a half-configured key pair is a config mistake
// that retrying will not fix.
func (d *Deribit) checkCredentials() error {
	hasKey := strings.TrimSpace(d.opts.APIKey) != ""
	hasSecret := strings.TrimSpace(d.opts.APISecret) != ""
	if hasKey != hasSecret {
		return market.NewFatal(market.VenueDeribit, 0, errors.New("api_key and api_secret must be configured together"))
	}
	return nil
}

var _ Connector = (*Deribit)(nil)
