package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/connector"
	"quantumdesk/internal/fetch"
	"quantumdesk/internal/market"
	"quantumdesk/internal/metrics"
	"quantumdesk/internal/normalize"
	"quantumdesk/internal/telemetry"
)

// Fetcher is the part of the fetch layer the orchestrator polls through.
type Fetcher interface {
	Get(ctx context.Context, venue market.Venue, req fetch.Request) ([]market.RawPayload, error)
}

// VenueOptions configure one venue task.
type VenueOptions struct {
	Venue        market.Venue
	Instruments  []string
	PollInterval time.Duration
	Streaming    bool
}

// Options configure the orchestrator.
type Options struct {
	Venues []VenueOptions
	// DegradedBackoff is how long a degraded venue waits before it is retried.
	DegradedBackoff time.Duration
	// ShutdownGrace bounds how long in-flight fetches may run after shutdown starts.
	ShutdownGrace     time.Duration
	StreamMaxAttempts int
	QueueSize         int
}

func (o Options) withDefaults() Options {
	if o.DegradedBackoff <= 0 {
		o.DegradedBackoff = 30 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 2 * time.Second
	}
	if o.StreamMaxAttempts <= 0 {
		o.StreamMaxAttempts = 3
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4 * len(o.Venues)
	}
	for i := range o.Venues {
		if o.Venues[i].PollInterval <= 0 {
			o.Venues[i].PollInterval = time.Second
		}
	}
	return o
}

// Update is published to subscribers after every ingestion cycle.
type Update struct {
	Snapshot  metrics.Snapshot
	Events    []alerting.Event
	Health    Health
	Rules     map[string]alerting.RuleState
	Triggered int
}

type subscriber struct {
	name string
	ch   chan Update
}

// Orchestrator runs one task per venue and is the only writer to the metrics engine.
type Orchestrator struct {
	opts        Options
	fetcher     Fetcher
	streamers   map[market.Venue]connector.Streamer
	normalizers map[market.Venue]normalize.Normalizer
	engine      *metrics.Engine
	evaluator   *alerting.Evaluator
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	// owned by the ingestion goroutine
	health Health

	mu     sync.RWMutex
	subs   []subscriber
	last   Update
	closed bool
}

// New wires the orchestrator. Streaming venues must have a connector that implements
// connector.Streamer; every venue needs a normalizer.
func New(opts Options, fetcher Fetcher, connectors []connector.Connector, normalizers map[market.Venue]normalize.Normalizer,
	engine *metrics.Engine, evaluator *alerting.Evaluator, m *telemetry.Metrics, logger zerolog.Logger) (*Orchestrator, error) {
	if len(opts.Venues) == 0 {
		return nil, errors.New("pipeline: no venues configured")
	}
	opts = opts.withDefaults()

	byVenue := make(map[market.Venue]connector.Connector, len(connectors))
	for _, c := range connectors {
		byVenue[c.Venue()] = c
	}

	streamers := make(map[market.Venue]connector.Streamer)
	health := make(Health, len(opts.Venues))
	for _, v := range opts.Venues {
		if _, ok := normalizers[v.Venue]; !ok {
			return nil, fmt.Errorf("pipeline: no normalizer for venue %s", v.Venue)
		}
		if v.Streaming {
			s, ok := byVenue[v.Venue].(connector.Streamer)
			if !ok {
				return nil, fmt.Errorf("pipeline: venue %s does not support streaming", v.Venue)
			}
			streamers[v.Venue] = s
		}
		health[v.Venue] = VenueHealth{Venue: v.Venue, Status: StatusStarting}
	}

	o := &Orchestrator{
		opts:        opts,
		fetcher:     fetcher,
		streamers:   streamers,
		normalizers: normalizers,
		engine:      engine,
		evaluator:   evaluator,
		metrics:     m,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		now:         time.Now,
		health:      health,
	}
	o.last = Update{Snapshot: engine.Snapshot(), Health: health.clone()}
	return o, nil
}

// Subscribe registers a consumer. Updates are delivered without blocking: when the
// buffer is full the update is dropped for that subscriber. The channel is closed
// when Run returns.
func (o *Orchestrator) Subscribe(name string, buffer int) <-chan Update {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Update, buffer)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		close(ch)
		return ch
	}
	o.subs = append(o.subs, subscriber{name: name, ch: ch})
	return ch
}

// Snapshot returns the most recently published update.
func (o *Orchestrator) Snapshot() Update {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// Run blocks until ctx is cancelled and every venue task has finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	fetchCtx, cancelFetch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelFetch()

	msgs := make(chan message, o.opts.QueueSize)
	tasksDone := make(chan struct{})

	go func() {
		select {
		case <-tasksDone:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(o.opts.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-tasksDone:
		case <-timer.C:
			o.logger.Warn().Dur("grace", o.opts.ShutdownGrace).Msg("cancelling in-flight fetches")
			cancelFetch()
		}
	}()

	var g errgroup.Group
	for _, v := range o.opts.Venues {
		task := newVenueTask(v, o.fetcher, o.streamers[v.Venue], o.normalizers[v.Venue], o.opts, o.logger)
		g.Go(func() error {
			task.run(ctx, fetchCtx, msgs)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(tasksDone)
		close(msgs)
	}()

	o.logger.Info().Int("venues", len(o.opts.Venues)).Msg("pipeline started")
	for msg := range msgs {
		o.apply(msg)
	}

	o.closeSubscribers()
	o.logger.Info().Msg("pipeline stopped")
	return ctx.Err()
}

// apply is the single ingestion path: health, normalize results, engine, alerts, publish.
func (o *Orchestrator) apply(msg message) {
	now := o.now().UTC()
	h := o.health[msg.venue]

	switch msg.status {
	case StatusDegraded:
		h.Status = StatusDegraded
		h.DegradedSince = now
		o.engine.Evict(msg.venue)
		o.metrics.SetDegraded(string(msg.venue), true)
		o.logger.Warn().Err(msg.err).Str("venue", string(msg.venue)).Dur("backoff", o.opts.DegradedBackoff).Msg("venue degraded")
	case StatusRecovering:
		// Healthy only once this or a later message carries data.
		h.Status = StatusRecovering
		h.DegradedSince = time.Time{}
		o.metrics.SetDegraded(string(msg.venue), false)
		o.logger.Info().Str("venue", string(msg.venue)).Bool("data", msg.ok).Msg("venue recovered")
	}

	if msg.err != nil {
		h.Failures++
		h.LastError = msg.err.Error()
		if msg.status == "" {
			o.logger.Warn().Err(msg.err).Str("venue", string(msg.venue)).Msg("venue fetch failed")
		}
	}

	if msg.ok {
		if h.Status == StatusDegraded {
			o.metrics.Dropped(string(msg.venue), "degraded")
		} else {
			o.ingest(msg, &h)
			h.LastSuccess = now
			h.LastError = ""
			h.Status = StatusHealthy
		}
	}

	o.health[msg.venue] = h
	if msg.status == StatusDegraded && o.health.AllDegraded() {
		o.logger.Error().Err(ErrAllVenuesDegraded).Msg("no venue is delivering data; retrying on backoff")
	}

	o.publish(now)
}

func (o *Orchestrator) ingest(msg message, h *VenueHealth) {
	venue := string(msg.venue)
	for i := 0; i < msg.dropped; i++ {
		o.metrics.Dropped(venue, "malformed")
	}
	h.Dropped += msg.dropped

	for _, rec := range msg.records {
		switch o.engine.Ingest(rec) {
		case metrics.Accepted:
			o.metrics.Ingested(venue)
		case metrics.Duplicate:
			o.metrics.Dropped(venue, "duplicate")
		case metrics.Stale:
			h.Dropped++
			o.metrics.Dropped(venue, "stale")
			o.logger.Debug().Str("venue", venue).Str("instrument", rec.Instrument).Time("ts", rec.Timestamp).Msg("dropping out-of-order record")
		}
	}
}

func (o *Orchestrator) publish(now time.Time) {
	snap := o.engine.Snapshot()
	var events []alerting.Event
	if o.evaluator != nil {
		events = o.evaluator.EvaluateAll(snap, now)
	}
	for _, ev := range events {
		o.metrics.AlertEmitted(ev.RuleID)
		o.logger.Info().Str("rule", ev.RuleID).Str("event_id", ev.ID).Msg(ev.Reason)
	}

	update := Update{Snapshot: snap, Events: events, Health: o.health.clone()}
	if o.evaluator != nil {
		update.Rules = o.evaluator.States()
		update.Triggered = o.evaluator.TriggeredCount()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = update
	for _, s := range o.subs {
		select {
		case s.ch <- update:
		default:
			o.metrics.UpdateDropped(s.name)
			o.logger.Debug().Str("subscriber", s.name).Msg("subscriber buffer full, update dropped")
		}
	}
}

func (o *Orchestrator) closeSubscribers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for _, s := range o.subs {
		close(s.ch)
	}
	o.subs = nil
}
