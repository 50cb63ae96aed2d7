package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/metrics"
	"quantumdesk/internal/pipeline"
)

const latestTTL = 5 * time.Minute

// Client is the subset of go-redis the publisher needs.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Message is the JSON document published for every pipeline update.
type Message struct {
	TakenAt   time.Time              `json:"taken_at"`
	Summary   metrics.Summary        `json:"summary"`
	Metrics   []MetricView           `json:"metrics"`
	Events    []alerting.Event       `json:"events,omitempty"`
	Health    []pipeline.VenueHealth `json:"health"`
	Triggered int                    `json:"alerts_triggered"`
}

// MetricView flattens a derived metric together with its rolling window, oldest first.
type MetricView struct {
	Venue      string           `json:"venue"`
	Instrument string           `json:"instrument"`
	Kind       string           `json:"kind"`
	Value      string           `json:"value"`
	ComputedAt time.Time        `json:"computed_at"`
	Window     []metrics.Sample `json:"window,omitempty"`
}

// NewMessage converts an update into its wire form.
func NewMessage(u pipeline.Update) Message {
	sorted := u.Snapshot.Sorted()
	views := make([]MetricView, 0, len(sorted))
	for _, m := range sorted {
		views = append(views, MetricView{
			Venue:      string(m.Key.Venue),
			Instrument: m.Key.Instrument,
			Kind:       string(m.Key.Kind),
			Value:      m.Value.String(),
			ComputedAt: m.ComputedAt,
			Window:     m.Window,
		})
	}
	// The window already travels with the metric; events carry the triggering value only.
	events := make([]alerting.Event, len(u.Events))
	for i, ev := range u.Events {
		ev.Metric.Window = nil
		events[i] = ev
	}
	return Message{
		TakenAt:   u.Snapshot.TakenAt,
		Summary:   u.Snapshot.Summary,
		Metrics:   views,
		Events:    events,
		Health:    u.Health.Sorted(),
		Triggered: u.Triggered,
	}
}

// Publisher fans pipeline updates out over Redis pub/sub and keeps the last
// message under "<channel>:latest" for late joiners.
type Publisher struct {
	client  Client
	channel string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPublisher builds a publisher on top of an existing client.
func NewPublisher(client Client, channel string, timeout time.Duration, logger zerolog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Publisher{
		client:  client,
		channel: channel,
		timeout: timeout,
		logger:  logger.With().Str("component", "broadcast").Str("channel", channel).Logger(),
	}
}

// LatestKey is where the most recent message is cached.
func (p *Publisher) LatestKey() string {
	return p.channel + ":latest"
}

// Run publishes updates until the channel is closed. Failures are logged only.
func (p *Publisher) Run(ctx context.Context, updates <-chan pipeline.Update) {
	for u := range updates {
		if err := p.Publish(context.WithoutCancel(ctx), u); err != nil {
			p.logger.Warn().Err(err).Msg("failed to publish update")
		}
	}
}

// Publish sends one update.
func (p *Publisher) Publish(ctx context.Context, u pipeline.Update) error {
	payload, err := json.Marshal(NewMessage(u))
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := p.client.Set(ctx, p.LatestKey(), payload, latestTTL).Err(); err != nil {
		return fmt.Errorf("set latest: %w", err)
	}
	return nil
}

var _ Client = (*redis.Client)(nil)
