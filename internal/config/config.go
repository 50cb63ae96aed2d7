package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/logging"
	"quantumdesk/internal/market"
	"quantumdesk/internal/metrics"
)

const (
	// MinRefreshInterval and MinCacheTTL are the floors applied to the CLI tunables.
	MinRefreshInterval = 100 * time.Millisecond
	MinCacheTTL        = 5 * time.Second
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Venues    []VenueConfig   `mapstructure:"venues"`
	Rules     []RuleConfig    `mapstructure:"rules"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// PipelineConfig governs polling cadence, caching, retries and history.
type PipelineConfig struct {
	RefreshInterval      time.Duration `mapstructure:"refresh_interval"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	CompactMode          bool          `mapstructure:"compact_mode"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	RateWaitMax          time.Duration `mapstructure:"rate_wait_max"`
	DegradedBackoff      time.Duration `mapstructure:"degraded_backoff"`
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace"`
	HistorySize          int           `mapstructure:"history_size"`
	PredictionWindow     int           `mapstructure:"prediction_window"`
	PredictionMinSamples int           `mapstructure:"prediction_min_samples"`
	EventBuffer          int           `mapstructure:"event_buffer"`
}

// VenueConfig describes one venue feed.
type VenueConfig struct {
	Name           string            `mapstructure:"name"`
	BaseURL        string            `mapstructure:"base_url"`
	WSURL          string            `mapstructure:"ws_url"`
	APIKey         string            `mapstructure:"api_key"`
	APISecret      string            `mapstructure:"api_secret"`
	Instruments    []string          `mapstructure:"instruments"`
	PollInterval   time.Duration     `mapstructure:"poll_interval"`
	RateCapacity   int               `mapstructure:"rate_capacity"`
	RateRefill     float64           `mapstructure:"rate_refill"`
	FundingPeriod  time.Duration     `mapstructure:"funding_period"`
	Streaming      bool              `mapstructure:"streaming"`
	StreamInterval string            `mapstructure:"stream_interval"`
	SymbolMap      map[string]string `mapstructure:"symbol_map"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
}

// Venue returns the parsed venue identifier.
func (v VenueConfig) Venue() market.Venue {
	venue, _ := market.ParseVenue(v.Name)
	return venue
}

// RuleConfig is one alert rule as written in configuration.
type RuleConfig struct {
	ID         string          `mapstructure:"id"`
	Name       string          `mapstructure:"name"`
	Venue      string          `mapstructure:"venue"`
	Instrument string          `mapstructure:"instrument"`
	Metric     string          `mapstructure:"metric"`
	Operator   string          `mapstructure:"operator"`
	Threshold  decimal.Decimal `mapstructure:"threshold"`
	Hysteresis decimal.Decimal `mapstructure:"hysteresis"`
	Cooldown   time.Duration   `mapstructure:"cooldown"`
	Enabled    *bool           `mapstructure:"enabled"`
}

// Rule converts the configuration entry into an evaluator rule.
func (r RuleConfig) Rule() (alerting.Rule, error) {
	venue, err := market.ParseVenue(r.Venue)
	if err != nil {
		return alerting.Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	kind, ok := metrics.ParseKind(r.Metric)
	if !ok {
		return alerting.Rule{}, fmt.Errorf("rule %s: unknown metric %q", r.ID, r.Metric)
	}
	op, err := alerting.ParseOperator(r.Operator)
	if err != nil {
		return alerting.Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}
	rule := alerting.Rule{
		ID:         r.ID,
		Name:       name,
		Target:     metrics.MetricKey{Instrument: r.Instrument, Venue: venue, Kind: kind},
		Operator:   op,
		Threshold:  r.Threshold,
		Hysteresis: r.Hysteresis,
		Cooldown:   r.Cooldown,
		Enabled:    r.Enabled == nil || *r.Enabled,
	}
	return rule, rule.Validate()
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	NotifyTimeout time.Duration  `mapstructure:"notify_timeout"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram notifier.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	SnapshotEvery   time.Duration `mapstructure:"snapshot_every"`
	AlertRetention  time.Duration `mapstructure:"alert_retention"`
	Buffer          int           `mapstructure:"buffer"`
}

// RedisConfig configures the update publisher.
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	Channel        string        `mapstructure:"channel"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Buffer         int           `mapstructure:"buffer"`
}

// TelemetryConfig configures the Prometheus endpoint.
type TelemetryConfig struct {
	Addr string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUANTUMDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyListDefaults()
	cfg.clamp()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "quantumdesk")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("pipeline.refresh_interval", "1s")
	v.SetDefault("pipeline.cache_ttl", "60s")
	v.SetDefault("pipeline.compact_mode", false)
	v.SetDefault("pipeline.fetch_timeout", "10s")
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_base", "200ms")
	v.SetDefault("pipeline.backoff_max", "5s")
	v.SetDefault("pipeline.rate_wait_max", "5s")
	v.SetDefault("pipeline.degraded_backoff", "30s")
	v.SetDefault("pipeline.shutdown_grace", "2s")
	v.SetDefault("pipeline.history_size", 32)
	v.SetDefault("pipeline.prediction_window", 8)
	v.SetDefault("pipeline.prediction_min_samples", 3)
	v.SetDefault("pipeline.event_buffer", 64)

	v.SetDefault("alerting.notify_timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.advisory_lock_key", int64(0x71646573))
	v.SetDefault("database.snapshot_every", "10s")
	v.SetDefault("database.buffer", 256)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "quantumdesk:updates")
	v.SetDefault("redis.publish_timeout", "2s")
	v.SetDefault("redis.buffer", 64)

	v.SetDefault("export.max_data_points", 100000)
}

// DefaultVenues reproduces the stock Bitfinex and Deribit BTC perpetual feeds.
func DefaultVenues() []VenueConfig {
	return []VenueConfig{
		{
			Name:          string(market.VenueBitfinex),
			BaseURL:       "https://api-pub.bitfinex.com",
			Instruments:   []string{"tBTCF0:USTF0"},
			RateCapacity:  10,
			RateRefill:    1.5,
			FundingPeriod: 8 * time.Hour,
		},
		{
			Name:           string(market.VenueDeribit),
			BaseURL:        "https://www.deribit.com",
			WSURL:          "wss://www.deribit.com/ws/api/v2",
			Instruments:    []string{"BTC-PERPETUAL"},
			RateCapacity:   20,
			RateRefill:     10,
			FundingPeriod:  8 * time.Hour,
			StreamInterval: "100ms",
		},
	}
}

// DefaultRules returns the stock alerts. The ETF premium rule starts disabled
// unless an ETF venue is configured.
func DefaultRules(venues []VenueConfig) []RuleConfig {
	hasETF := false
	for _, v := range venues {
		if v.Venue() == market.VenueETF {
			hasETF = true
		}
	}
	return []RuleConfig{
		{
			ID: "bitfinex-funding-high", Name: "Bitfinex Funding > 75 bps",
			Venue: string(market.VenueBitfinex), Instrument: "BTC", Metric: string(metrics.KindFundingRate),
			Operator: ">", Threshold: decimal.RequireFromString("0.0075"), Hysteresis: decimal.RequireFromString("0.0005"),
			Cooldown: 15 * time.Minute,
		},
		{
			ID: "deribit-funding-low", Name: "Deribit Funding < -25 bps",
			Venue: string(market.VenueDeribit), Instrument: "BTC", Metric: string(metrics.KindFundingRate),
			Operator: "<", Threshold: decimal.RequireFromString("-0.0025"), Hysteresis: decimal.RequireFromString("0.0005"),
			Cooldown: 15 * time.Minute,
		},
		{
			ID: "ibit-premium-high", Name: "IBIT Premium > 1.5%",
			Venue: string(market.VenueETF), Instrument: "IBIT", Metric: string(metrics.KindETFPremium),
			Operator: ">", Threshold: decimal.RequireFromString("0.015"), Hysteresis: decimal.RequireFromString("0.001"),
			Cooldown: 15 * time.Minute, Enabled: &hasETF,
		},
	}
}

func (c *Config) applyListDefaults() {
	if len(c.Venues) == 0 {
		c.Venues = DefaultVenues()
	}
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules(c.Venues)
	}
}

// clamp raises the refresh cadence and cache TTL to their floors.
func (c *Config) clamp() {
	if c.Pipeline.RefreshInterval < MinRefreshInterval {
		c.Pipeline.RefreshInterval = MinRefreshInterval
	}
	if c.Pipeline.CacheTTL < MinCacheTTL {
		c.Pipeline.CacheTTL = MinCacheTTL
	}
}

// ApplyOverrides applies CLI tunables. Zero values leave the configured value alone;
// anything below the floors is raised to them.
func (c *Config) ApplyOverrides(refreshMs, cacheTTLSecs int, compact *bool) {
	if refreshMs > 0 {
		c.Pipeline.RefreshInterval = time.Duration(refreshMs) * time.Millisecond
	}
	if cacheTTLSecs > 0 {
		c.Pipeline.CacheTTL = time.Duration(cacheTTLSecs) * time.Second
	}
	if compact != nil {
		c.Pipeline.CompactMode = *compact
	}
	c.clamp()
}

// PollInterval returns the venue's interval, falling back to the global refresh cadence.
func (c *Config) PollInterval(v VenueConfig) time.Duration {
	if v.PollInterval > 0 {
		return v.PollInterval
	}
	return c.Pipeline.RefreshInterval
}

// AlertRules converts every configured rule.
func (c *Config) AlertRules() ([]alerting.Rule, error) {
	rules := make([]alerting.Rule, 0, len(c.Rules))
	for _, rc := range c.Rules {
		r, err := rc.Rule()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	p := c.Pipeline
	if p.FetchTimeout <= 0 {
		return fmt.Errorf("pipeline.fetch_timeout must be greater than zero")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be greater than zero")
	}
	if p.BackoffBase <= 0 || p.BackoffMax < p.BackoffBase {
		return fmt.Errorf("pipeline.backoff_base must be positive and not exceed pipeline.backoff_max")
	}
	if p.HistorySize <= 0 {
		return fmt.Errorf("pipeline.history_size must be greater than zero")
	}
	if p.PredictionMinSamples <= 0 || p.PredictionWindow < p.PredictionMinSamples {
		return fmt.Errorf("pipeline.prediction_window must be >= pipeline.prediction_min_samples > 0")
	}

	if len(c.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}
	seen := make(map[market.Venue]bool, len(c.Venues))
	for i, v := range c.Venues {
		venue, err := market.ParseVenue(v.Name)
		if err != nil {
			return fmt.Errorf("venues[%d]: %w", i, err)
		}
		if seen[venue] {
			return fmt.Errorf("venues[%d]: venue %s configured twice", i, venue)
		}
		seen[venue] = true
		if len(v.Instruments) == 0 {
			return fmt.Errorf("venues[%d]: instruments must not be empty", i)
		}
		if v.RateCapacity < 0 || v.RateRefill < 0 {
			return fmt.Errorf("venues[%d]: rate limits cannot be negative", i)
		}
		if v.FundingPeriod < 0 {
			return fmt.Errorf("venues[%d]: funding_period cannot be negative", i)
		}
		if venue == market.VenueETF && v.BaseURL == "" {
			return fmt.Errorf("venues[%d]: etf venue requires base_url", i)
		}
		if v.Streaming && venue != market.VenueDeribit {
			return fmt.Errorf("venues[%d]: streaming is only supported for deribit", i)
		}
	}

	ids := make(map[string]bool, len(c.Rules))
	for i, rc := range c.Rules {
		if ids[rc.ID] {
			return fmt.Errorf("rules[%d]: duplicate id %q", i, rc.ID)
		}
		ids[rc.ID] = true
		if _, err := rc.Rule(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
