package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quantumdesk/internal/market"
)

// Limits describe a venue's published request budget as a token bucket.
type Limits struct {
	Capacity        int
	RefillPerSecond float64
}

// Limiter keeps one token bucket per venue.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[market.Venue]*rate.Limiter
}

// NewLimiter builds buckets for the configured venues. Venues without limits are unthrottled.
func NewLimiter(limits map[market.Venue]Limits) *Limiter {
	l := &Limiter{limiters: make(map[market.Venue]*rate.Limiter, len(limits))}
	for venue, lim := range limits {
		if lim.Capacity <= 0 || lim.RefillPerSecond <= 0 {
			continue
		}
		l.limiters[venue] = rate.NewLimiter(rate.Limit(lim.RefillPerSecond), lim.Capacity)
	}
	return l
}

// Wait blocks until the venue has cost tokens, at most maxWait. It returns ErrRateLimited when
// the tokens would not be available in time and ctx.Err() when the caller gave up. A cost
// larger than the bucket can ever hold is ErrFatal.
func (l *Limiter) Wait(ctx context.Context, venue market.Venue, cost int, maxWait time.Duration) error {
	l.mu.RLock()
	limiter, ok := l.limiters[venue]
	l.mu.RUnlock()
	if !ok {
		return nil
	}

	if cost < 1 {
		cost = 1
	}
	if cost > limiter.Burst() {
		return &Error{Kind: KindFatal, Venue: venue, Err: fmt.Errorf("request cost %d exceeds bucket capacity %d", cost, limiter.Burst())}
	}

	if limiter.AllowN(time.Now(), cost) {
		return nil
	}
	if maxWait <= 0 {
		return &Error{Kind: KindRateLimited, Venue: venue}
	}

	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	if err := limiter.WaitN(waitCtx, cost); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindRateLimited, Venue: venue, Err: err}
	}
	return nil
}

// Tokens reports the venue's currently available tokens, or -1 when unthrottled.
func (l *Limiter) Tokens(venue market.Venue) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	limiter, ok := l.limiters[venue]
	if !ok {
		return -1
	}
	return limiter.Tokens()
}
