package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/broadcast"
	"quantumdesk/internal/config"
	"quantumdesk/internal/connector"
	"quantumdesk/internal/fetch"
	"quantumdesk/internal/market"
	"quantumdesk/internal/metrics"
	"quantumdesk/internal/normalize"
	"quantumdesk/internal/pipeline"
	"quantumdesk/internal/storage"
	"quantumdesk/internal/telemetry"
	"quantumdesk/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newConnector(vc config.VenueConfig) connector.Connector {
	opts := connector.Options{
		BaseURL:   vc.BaseURL,
		APIKey:    vc.APIKey,
		APISecret: vc.APISecret,
		Timeout:   vc.RequestTimeout,
		UserAgent: vc.UserAgent,
	}
	switch vc.Venue() {
	case market.VenueBitfinex:
		return connector.NewBitfinex(opts, a.Logger)
	case market.VenueDeribit:
		return connector.NewDeribit(connector.DeribitOptions{
			Options:        opts,
			WSURL:          vc.WSURL,
			StreamInterval: vc.StreamInterval,
		}, a.Logger)
	default:
		return connector.NewETF(opts, a.Logger)
	}
}

// newEngine builds the metrics engine from the pipeline settings.
func (a *App) newEngine() *metrics.Engine {
	p := a.Config.Pipeline
	return metrics.NewEngine(metrics.Options{
		HistorySize: p.HistorySize,
		Predictor:   metrics.WeightedAverage{K: p.PredictionWindow, MinSamples: p.PredictionMinSamples},
	})
}

func (a *App) newEvaluator() (*alerting.Evaluator, error) {
	rules, err := a.Config.AlertRules()
	if err != nil {
		return nil, err
	}
	return alerting.NewEvaluator(rules)
}

func (a *App) newNormalizer(vc config.VenueConfig) (normalize.Normalizer, error) {
	return normalize.ForVenue(vc.Venue(), normalize.Options{
		FundingPeriod: vc.FundingPeriod,
		SymbolMap:     vc.SymbolMap,
	})
}

// newPipeline wires connectors, the fetch layer, normalizers, the engine and the
// evaluator into an orchestrator.
func (a *App) newPipeline(m *telemetry.Metrics) (*pipeline.Orchestrator, error) {
	cfg := a.Config

	conns := make([]connector.Connector, 0, len(cfg.Venues))
	limits := make(map[market.Venue]fetch.Limits, len(cfg.Venues))
	normalizers := make(map[market.Venue]normalize.Normalizer, len(cfg.Venues))
	venues := make([]pipeline.VenueOptions, 0, len(cfg.Venues))

	for _, vc := range cfg.Venues {
		venue := vc.Venue()
		conns = append(conns, a.newConnector(vc))
		limits[venue] = fetch.Limits{Capacity: vc.RateCapacity, RefillPerSecond: vc.RateRefill}

		n, err := a.newNormalizer(vc)
		if err != nil {
			return nil, err
		}
		normalizers[venue] = n

		venues = append(venues, pipeline.VenueOptions{
			Venue:        venue,
			Instruments:  vc.Instruments,
			PollInterval: cfg.PollInterval(vc),
			Streaming:    vc.Streaming,
		})
	}

	layer := fetch.New(fetch.Options{
		TTL:          cfg.Pipeline.CacheTTL,
		FetchTimeout: cfg.Pipeline.FetchTimeout,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		BackoffBase:  cfg.Pipeline.BackoffBase,
		BackoffMax:   cfg.Pipeline.BackoffMax,
		MaxWait:      cfg.Pipeline.RateWaitMax,
	}, conns, limits, m, a.Logger)

	evaluator, err := a.newEvaluator()
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Options{
		Venues:          venues,
		DegradedBackoff: cfg.Pipeline.DegradedBackoff,
		ShutdownGrace:   cfg.Pipeline.ShutdownGrace,
		QueueSize:       cfg.Pipeline.EventBuffer,
	}, layer, conns, normalizers, a.newEngine(), evaluator, m, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.NotifyTimeout, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the live pipeline and its consumers until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := telemetry.New(reg)

	orch, err := a.newPipeline(m)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	consume := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	closeStore, err := a.startRecorder(ctx, orch, consume)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	status := NewStatusReporter(a.statusOptions(), a.Logger)
	statusCh := orch.Subscribe("status", 8)
	consume(func() { status.Run(statusCh) })

	notifier := a.newNotifier()
	alertCh := orch.Subscribe("notifier", a.Config.Pipeline.EventBuffer)
	consume(func() { dispatchAlerts(ctx, notifier, a.Config.Alerting.NotifyTimeout, alertCh, a.Logger) })

	if closeRedis := a.startPublisher(ctx, orch, consume); closeRedis != nil {
		defer closeRedis()
	}

	if addr := a.Config.Telemetry.Addr; addr != "" {
		consume(func() {
			if err := telemetry.Serve(ctx, addr, reg, a.Logger); err != nil {
				a.Logger.Error().Err(err).Msg("metrics endpoint stopped")
			}
		})
	}

	a.Logger.Info().Str("version", version.String()).Int("venues", len(a.Config.Venues)).Int("rules", len(a.Config.Rules)).Msg("starting pipeline")
	err = orch.Run(ctx)
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}
	a.Logger.Info().Msg("pipeline stopped")
	return nil
}

// startRecorder persists updates when a database is configured and this instance
// holds the advisory lock.
func (a *App) startRecorder(ctx context.Context, orch *pipeline.Orchestrator, consume func(func())) (func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		return nil, nil
	}
	if err := store.EnsureSchema(ctx); err != nil {
		closeStore()
		return nil, err
	}
	if keep := a.Config.Database.AlertRetention; keep > 0 {
		if err := store.DeleteAlertsBefore(ctx, time.Now().UTC().Add(-keep)); err != nil {
			a.Logger.Warn().Err(err).Dur("retention", keep).Msg("failed to prune old alert events")
		}
	}

	release := func() {}
	if key := a.Config.Database.AdvisoryLockKey; key != 0 {
		unlock, acquired, err := store.TryAdvisoryLock(ctx, key)
		if err != nil {
			closeStore()
			return nil, fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !acquired {
			a.Logger.Warn().Int64("key", key).Msg("advisory lock held by another instance; persistence disabled")
			return closeStore, nil
		}
		release = unlock
	}

	recorder := storage.NewRecorder(store, storage.RecorderOptions{SnapshotEvery: a.Config.Database.SnapshotEvery}, a.Logger)
	updates := orch.Subscribe("recorder", a.Config.Database.Buffer)
	consume(func() { recorder.Run(ctx, updates) })

	return func() {
		release()
		closeStore()
	}, nil
}

func (a *App) startPublisher(ctx context.Context, orch *pipeline.Orchestrator, consume func(func())) func() {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		a.Logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unreachable; publishing anyway")
	}

	publisher := broadcast.NewPublisher(client, cfg.Channel, cfg.PublishTimeout, a.Logger)
	updates := orch.Subscribe("redis", cfg.Buffer)
	consume(func() { publisher.Run(ctx, updates) })

	return func() {
		if err := client.Close(); err != nil {
			a.Logger.Debug().Err(err).Msg("close redis client")
		}
	}
}

func (a *App) statusOptions() StatusOptions {
	return StatusOptions{
		Compact:     a.Config.Pipeline.CompactMode,
		Refresh:     a.Config.Pipeline.RefreshInterval,
		CacheTTL:    a.Config.Pipeline.CacheTTL,
		Broadcast:   a.Config.Redis.Addr != "",
		MinInterval: a.Config.Pipeline.RefreshInterval,
	}
}

// ExportOptions hold parameters for exporting metric history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Filter    storage.MetricFilter
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe one synthetic venue observation.
type SimulateOptions struct {
	Venue      market.Venue
	Instrument string
	Spot       decimal.NullDecimal
	Mark       decimal.NullDecimal
	Funding    decimal.NullDecimal
	Price      decimal.NullDecimal
	NAV        decimal.NullDecimal
	// Steps repeats the observation, one second apart, so windowed metrics fill up.
	Steps int
}
