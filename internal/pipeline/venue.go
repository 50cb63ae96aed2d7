package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"quantumdesk/internal/connector"
	"quantumdesk/internal/fetch"
	"quantumdesk/internal/market"
	"quantumdesk/internal/normalize"
	"quantumdesk/internal/scheduler"
)

// message is what a venue task hands to the ingestion goroutine.
type message struct {
	venue   market.Venue
	status  Status
	err     error
	records []market.Record
	dropped int
	ok      bool
}

// venueTask polls or streams one venue. Everything here is touched only by the
// task's own goroutine, including the breaker callbacks.
type venueTask struct {
	opts        VenueOptions
	fetcher     Fetcher
	streamer    connector.Streamer
	normalizer  normalize.Normalizer
	breaker     *gobreaker.CircuitBreaker
	transitions []gobreaker.State
	maxAttempts int
	failures    int
	logger      zerolog.Logger
}

func newVenueTask(o VenueOptions, fetcher Fetcher, streamer connector.Streamer, n normalize.Normalizer, opts Options, logger zerolog.Logger) *venueTask {
	t := &venueTask{
		opts:        o,
		fetcher:     fetcher,
		streamer:    streamer,
		normalizer:  n,
		maxAttempts: opts.StreamMaxAttempts,
		logger:      logger.With().Str("venue", string(o.Venue)).Logger(),
	}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(o.Venue),
		MaxRequests: 1,
		Timeout:     opts.DegradedBackoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful: degradesVenue,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			t.transitions = append(t.transitions, to)
		},
	})
	return t
}

// degradesVenue is the breaker's success test: only fatal or exhausted fetches count against a venue.
func degradesVenue(err error) bool {
	return err == nil || !(errors.Is(err, fetch.ErrFatal) || errors.Is(err, fetch.ErrExhausted))
}

func (t *venueTask) run(ctx, fetchCtx context.Context, out chan<- message) {
	if t.streamer != nil {
		t.stream(ctx, out)
		return
	}
	sched := scheduler.New(scheduler.Options{
		Name:      string(t.opts.Venue),
		Interval:  t.opts.PollInterval,
		Immediate: true,
	}, t.logger)
	_ = sched.Run(ctx, func(_ context.Context, _ time.Time) error {
		t.poll(fetchCtx, out)
		return nil
	})
}

// poll runs one fetch on fetchCtx, which outlives ctx by the shutdown grace period.
func (t *venueTask) poll(fetchCtx context.Context, out chan<- message) {
	res, err := t.breaker.Execute(func() (any, error) {
		return t.fetcher.Get(fetchCtx, t.opts.Venue, fetch.Request{Instruments: t.opts.Instruments})
	})
	msg := t.takeTransitions()

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		t.logger.Trace().Msg("venue degraded, skipping poll")
	case err != nil && fetchCtx.Err() != nil:
		// A cancelled fetch never reaches the engine.
		return
	case err != nil:
		msg.err = err
	default:
		msg.records, msg.dropped = normalize.Batch(t.normalizer, res.([]market.RawPayload), t.logger)
		msg.ok = true
	}
	t.send(out, msg)
}

func (t *venueTask) stream(ctx context.Context, out chan<- message) {
	for ctx.Err() == nil {
		res, err := t.breaker.Execute(func() (any, error) {
			return t.dial(ctx)
		})
		if ctx.Err() != nil {
			return
		}
		msg := t.takeTransitions()

		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			t.send(out, msg)
		case err != nil:
			msg.err = err
			t.send(out, msg)
		default:
			t.send(out, msg)
			t.consume(ctx, res.(<-chan market.RawPayload), out)
			if ctx.Err() != nil {
				return
			}
			t.send(out, message{err: market.NewTransient(t.opts.Venue, 0, errors.New("stream closed"))})
		}

		timer := time.NewTimer(t.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// dial opens the stream. Consecutive transient failures are promoted to an
// exhausted error so that a dead stream degrades the venue like a dead poll would.
func (t *venueTask) dial(ctx context.Context) (<-chan market.RawPayload, error) {
	ch, err := t.streamer.Stream(ctx, t.opts.Instruments)
	if err == nil {
		t.failures = 0
		return ch, nil
	}
	if market.IsFatal(err) {
		return nil, &fetch.Error{Kind: fetch.KindFatal, Venue: t.opts.Venue, Attempts: 1, Err: err}
	}
	t.failures++
	if t.failures >= t.maxAttempts {
		n := t.failures
		t.failures = 0
		return nil, &fetch.Error{Kind: fetch.KindExhausted, Venue: t.opts.Venue, Attempts: n, Err: err}
	}
	return nil, err
}

func (t *venueTask) consume(ctx context.Context, ch <-chan market.RawPayload, out chan<- message) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, open := <-ch:
			if !open {
				return
			}
			if p.ReceivedAt.IsZero() {
				p.ReceivedAt = time.Now().UTC()
			}
			recs, dropped := normalize.Batch(t.normalizer, []market.RawPayload{p}, t.logger)
			t.send(out, message{records: recs, dropped: dropped, ok: true})
		}
	}
}

// takeTransitions folds breaker state changes since the last call into a message.
func (t *venueTask) takeTransitions() message {
	var msg message
	for _, st := range t.transitions {
		switch st {
		case gobreaker.StateOpen:
			msg.status = StatusDegraded
		case gobreaker.StateClosed:
			msg.status = StatusRecovering
		}
	}
	t.transitions = t.transitions[:0]
	return msg
}

// send drops empty messages. The ingestion goroutine drains until every task
// has returned, so the send cannot block forever.
func (t *venueTask) send(out chan<- message, msg message) {
	if msg.status == "" && msg.err == nil && !msg.ok {
		return
	}
	msg.venue = t.opts.Venue
	out <- msg
}
