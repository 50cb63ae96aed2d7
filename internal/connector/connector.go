package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quantumdesk/internal/market"
)

const defaultTimeout = 10 * time.Second

// Connector pulls raw snapshots for a set of venue-local instruments.
type Connector interface {
	Venue() market.Venue
	Endpoint() string
	// RequestCost is the number of HTTP requests one FetchSnapshot makes for instruments.
	RequestCost(instruments []string) int
	FetchSnapshot(ctx context.Context, instruments []string) ([]market.RawPayload, error)
}

// Streamer is implemented by connectors that can push payloads instead of being polled.
// The returned channel is closed when ctx is cancelled or the stream fails.
type Streamer interface {
	Stream(ctx context.Context, instruments []string) (<-chan market.RawPayload, error)
}

// Options shared by the HTTP connectors.
type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	UserAgent string
}

func (o Options) baseURL(fallback string) string {
	base := strings.TrimRight(o.BaseURL, "/")
	if base == "" {
		return fallback
	}
	return base
}

func (o Options) client() *http.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (o Options) userAgent() string {
	if ua := strings.TrimSpace(o.UserAgent); ua != "" {
		return ua
	}
	return "quantumdesk/1.0"
}

// getJSON issues a GET and classifies every failure as transient or fatal.
func getJSON(ctx context.Context, client *http.Client, venue market.Venue, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, market.NewFatal(venue, 0, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		// Caller cancellation surfaces as-is so shutdown is not mistaken for a venue failure.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, market.NewTransient(venue, 0, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, market.NewTransient(venue, resp.StatusCode, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := parseHTTPError(venue, resp.StatusCode, body)
		if market.ClassifyStatus(resp.StatusCode) == market.Fatal {
			return nil, market.NewFatal(venue, resp.StatusCode, apiErr)
		}
		return nil, market.NewTransient(venue, resp.StatusCode, apiErr)
	}
	return body, nil
}

type errorResponse struct {
	Message string `json:"message"`
	Error   struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseHTTPError(venue market.Venue, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Message != "" {
			return fmt.Errorf("%s api error (%d): %s (code %d)", venue, status, apiErr.Error.Message, apiErr.Error.Code)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", venue, status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", venue, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", venue, status)
}
