package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"quantumdesk/internal/market"
)

const etfQuotePath = "/quote"

// ETF polls a NAV provider returning {symbol, price, nav, timestamp} per fund.
type ETF struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewETF constructs an ETF NAV connector. BaseURL is required; there is no public default.
func NewETF(opts Options, logger zerolog.Logger) *ETF {
	return &ETF{
		opts:    opts,
		logger:  logger.With().Str("component", "etf_connector").Logger(),
		client:  opts.client(),
		baseURL: opts.baseURL(""),
		now:     time.Now,
	}
}

func (e *ETF) Venue() market.Venue { return market.VenueETF }

func (e *ETF) Endpoint() string { return etfQuotePath }

func (e *ETF) RequestCost(instruments []string) int { return len(instruments) }

// FetchSnapshot requests one quote per fund symbol.
func (e *ETF) FetchSnapshot(ctx context.Context, instruments []string) ([]market.RawPayload, error) {
	if e.baseURL == "" {
		return nil, market.NewFatal(market.VenueETF, 0, errors.New("etf base_url not configured"))
	}
	if len(instruments) == 0 {
		return nil, market.NewFatal(market.VenueETF, 0, errors.New("no instruments configured"))
	}

	headers := map[string]string{"User-Agent": e.opts.userAgent()}
	if e.opts.APIKey != "" {
		headers["X-API-Key"] = e.opts.APIKey
	}

	payloads := make([]market.RawPayload, 0, len(instruments))
	for _, symbol := range instruments {
		endpoint := fmt.Sprintf("%s%s?symbol=%s", e.baseURL, etfQuotePath, url.QueryEscape(symbol))
		body, err := getJSON(ctx, e.client, market.VenueETF, endpoint, headers)
		if err != nil {
			return nil, fmt.Errorf("quote %s: %w", symbol, err)
		}
		payloads = append(payloads, market.RawPayload{
			Venue:      market.VenueETF,
			Endpoint:   etfQuotePath,
			Symbol:     symbol,
			Body:       body,
			ReceivedAt: e.now().UTC(),
		})
	}
	return payloads, nil
}

var _ Connector = (*ETF)(nil)
