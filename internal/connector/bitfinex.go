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
	"github.com/tidwall/gjson"

	"quantumdesk/internal/market"
)

const (
	bitfinexDefaultBase = "https://api-pub.bitfinex.com"
	bitfinexDerivPath   = "/v2/status/deriv"
)

// Bitfinex polls the derivatives status endpoint, which carries spot, mark and
// funding for every requested perpetual in one call.
type Bitfinex struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewBitfinex constructs a Bitfinex connector.
func NewBitfinex(opts Options, logger zerolog.Logger) *Bitfinex {
	return &Bitfinex{
		opts:    opts,
		logger:  logger.With().Str("component", "bitfinex_connector").Logger(),
		client:  opts.client(),
		baseURL: opts.baseURL(bitfinexDefaultBase),
		now:     time.Now,
	}
}

func (b *Bitfinex) Venue() market.Venue { return market.VenueBitfinex }

func (b *Bitfinex) Endpoint() string { return bitfinexDerivPath }

// RequestCost is always one: every key goes into a single status/deriv call.
func (b *Bitfinex) RequestCost([]string) int { return 1 }

// FetchSnapshot returns one payload per derivative key, in the order Bitfinex lists them.
func (b *Bitfinex) FetchSnapshot(ctx context.Context, instruments []string) ([]market.RawPayload, error) {
	if len(instruments) == 0 {
		return nil, market.NewFatal(market.VenueBitfinex, 0, errors.New("no instruments configured"))
	}

	endpoint := fmt.Sprintf("%s%s?keys=%s", b.baseURL, bitfinexDerivPath, url.QueryEscape(strings.Join(instruments, ",")))
	body, err := getJSON(ctx, b.client, market.VenueBitfinex, endpoint, map[string]string{"User-Agent": b.opts.userAgent()})
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, market.NewTransient(market.VenueBitfinex, http.StatusOK, fmt.Errorf("unexpected deriv status payload: %.64s", string(body)))
	}

	received := b.now().UTC()
	payloads := make([]market.RawPayload, 0, len(instruments))
	parsed.ForEach(func(_, row gjson.Result) bool {
		payloads = append(payloads, market.RawPayload{
			Venue:      market.VenueBitfinex,
			Endpoint:   bitfinexDerivPath,
			Symbol:     row.Get("0").String(),
			Body:       []byte(row.Raw),
			ReceivedAt: received,
		})
		return true
	})

	b.logger.Debug().Int("rows", len(payloads)).Msg("deriv status fetched")
	return payloads, nil
}

var _ Connector = (*Bitfinex)(nil)
