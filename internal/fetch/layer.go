package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"quantumdesk/internal/connector"
	"quantumdesk/internal/market"
	"quantumdesk/internal/telemetry"
)

// Options tune caching, retry and rate limiting.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxWait      time.Duration
}

func (o Options) withDefaults() Options {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	return o
}

// Request names the instrument set to fetch from a venue.
type Request struct {
	Instruments []string
}

// Layer wraps connectors with a shared TTL cache, per-venue token buckets and retries.
// It is safe for concurrent use by every venue task.
type Layer struct {
	opts       Options
	connectors map[market.Venue]connector.Connector
	limiter    *Limiter
	cache      *Cache
	group      singleflight.Group
	metrics    *telemetry.Metrics
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs the fetch layer.
func New(opts Options, connectors []connector.Connector, limits map[market.Venue]Limits, metrics *telemetry.Metrics, logger zerolog.Logger) *Layer {
	byVenue := make(map[market.Venue]connector.Connector, len(connectors))
	for _, c := range connectors {
		byVenue[c.Venue()] = c
	}
	opts = opts.withDefaults()
	return &Layer{
		opts:       opts,
		connectors: byVenue,
		limiter:    NewLimiter(limits),
		cache:      NewCache(opts.TTL),
		metrics:    metrics,
		logger:     logger.With().Str("component", "fetch_layer").Logger(),
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// Get returns the venue's batch for req, from cache when fresh.
func (l *Layer) Get(ctx context.Context, venue market.Venue, req Request) ([]market.RawPayload, error) {
	conn, ok := l.connectors[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, venue)
	}

	key := CacheKey(venue, conn.Endpoint(), req.Instruments)
	if payloads, ok := l.cache.Get(key, l.now()); ok {
		l.metrics.CacheHit(string(venue))
		return payloads, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		// A concurrent flight may have filled the entry while we queued.
		if payloads, ok := l.cache.Get(key, l.now()); ok {
			l.metrics.CacheHit(string(venue))
			return payloads, nil
		}
		l.metrics.CacheMiss(string(venue))
		return l.fetchWithRetry(ctx, conn, key, req)
	})
	if err != nil {
		return nil, err
	}
	return append([]market.RawPayload(nil), v.([]market.RawPayload)...), nil
}

func (l *Layer) fetchWithRetry(ctx context.Context, conn connector.Connector, key string, req Request) ([]market.RawPayload, error) {
	venue := conn.Venue()
	var lastErr error

	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		if err := l.limiter.Wait(ctx, venue, conn.RequestCost(req.Instruments), l.opts.MaxWait); err != nil {
			if ferr, ok := err.(*Error); ok {
				l.metrics.FetchError(string(venue), ferr.Kind.String())
			}
			return nil, err
		}

		payloads, err := l.call(ctx, conn, req)
		if err == nil {
			l.cache.Set(key, payloads, l.now())
			return payloads, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if market.IsFatal(err) {
			l.metrics.FetchError(string(venue), KindFatal.String())
			return nil, &Error{Kind: KindFatal, Venue: venue, Attempts: attempt, Err: err}
		}

		lastErr = err
		if attempt == l.opts.MaxAttempts {
			break
		}

		delay := l.backoff(attempt)
		l.metrics.Retry(string(venue))
		l.logger.Debug().Err(err).Str("venue", string(venue)).Int("attempt", attempt).Dur("backoff", delay).Msg("transient fetch failure, retrying")
		if err := l.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	l.metrics.FetchError(string(venue), KindExhausted.String())
	return nil, &Error{Kind: KindExhausted, Venue: venue, Attempts: l.opts.MaxAttempts, Err: lastErr}
}

// call runs one connector attempt bounded by FetchTimeout; exceeding it is a transient failure.
func (l *Layer) call(ctx context.Context, conn connector.Connector, req Request) ([]market.RawPayload, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	payloads, err := conn.FetchSnapshot(callCtx, req.Instruments)
	l.metrics.ConnectorCall(string(conn.Venue()), time.Since(start).Seconds())

	if err != nil && ctx.Err() == nil && callCtx.Err() != nil {
		return nil, market.NewTransient(conn.Venue(), 0, fmt.Errorf("fetch timeout after %s: %w", l.opts.FetchTimeout, err))
	}
	return payloads, err
}

func (l *Layer) backoff(attempt int) time.Duration {
	d := l.opts.BackoffBase << (attempt - 1)
	if d <= 0 || d > l.opts.BackoffMax {
		return l.opts.BackoffMax
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
