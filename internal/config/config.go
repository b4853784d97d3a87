package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"quote-guard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Quote     QuoteConfig     `mapstructure:"quote"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name            string `mapstructure:"name"`
	Environment     string `mapstructure:"environment"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// FeedConfig governs the streaming market data connection and its polling
// fallback.
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	Symbol           string        `mapstructure:"symbol"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollOverlap      time.Duration `mapstructure:"poll_overlap"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
}

// PricingConfig selects and configures the spot price source used for
// repricing fetches.
type PricingConfig struct {
	Source string              `mapstructure:"source"`
	REST   RESTPricingConfig   `mapstructure:"rest"`
	Oracle OraclePricingConfig `mapstructure:"oracle"`
}

// RESTPricingConfig covers the exchange ticker endpoint.
type RESTPricingConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Symbol         string        `mapstructure:"symbol"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// OraclePricingConfig covers the on-chain aggregator source.
type OraclePricingConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	FeedAddress    string        `mapstructure:"feed_address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxStaleness   time.Duration `mapstructure:"max_staleness"`
}

// QuoteConfig sets quote lifetime behaviour.
type QuoteConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// MonitorConfig holds volatility protection defaults for channels without
// stored configuration, plus monitor runtime tuning.
type MonitorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	ThresholdBps float64       `mapstructure:"threshold_bps"`
	MaxReprices  int           `mapstructure:"max_reprices"`
	ThresholdTTL time.Duration `mapstructure:"threshold_ttl"`
	CancelToken  string        `mapstructure:"cancel_token"`
}

// RulesConfig covers the channel rules source. With a database configured
// rules come from PostgreSQL; the static block serves desks running a single
// spread for every channel.
type RulesConfig struct {
	Static StaticRuleConfig `mapstructure:"static"`
}

// StaticRuleConfig is a fixed spread rule applied to every channel.
type StaticRuleConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SpreadMode  string  `mapstructure:"spread_mode"`
	SpreadValue float64 `mapstructure:"spread_value"`
}

// MessagingConfig captures chat gateway connectivity.
type MessagingConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AlertingConfig defines escalation alert routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	QueueSize int            `mapstructure:"queue_size"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUOTEGUARD")
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
	v.SetDefault("app.name", "quoteguard")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.advisory_lock_key", int64(0x71677264))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("feed.url", "wss://stream.binance.com:9443/ws/usdtbrl@trade")
	v.SetDefault("feed.symbol", "USDTBRL")
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.poll_interval", "2s")
	v.SetDefault("feed.poll_overlap", "5s")
	v.SetDefault("feed.backoff_initial", "1s")
	v.SetDefault("feed.backoff_max", "30s")
	v.SetDefault("feed.backoff_factor", 2.0)

	v.SetDefault("pricing.source", "rest")
	v.SetDefault("pricing.rest.base_url", "https://api.binance.com/api/v3")
	v.SetDefault("pricing.rest.symbol", "USDTBRL")
	v.SetDefault("pricing.rest.request_timeout", "10s")
	v.SetDefault("pricing.rest.user_agent", "quoteguard/1.0")
	v.SetDefault("pricing.oracle.request_timeout", "10s")
	v.SetDefault("pricing.oracle.max_staleness", "0s")

	v.SetDefault("quote.ttl", "15m")
	v.SetDefault("quote.sweep_interval", "30s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.threshold_bps", 50.0)
	v.SetDefault("monitor.max_reprices", 3)
	v.SetDefault("monitor.threshold_ttl", "30s")
	v.SetDefault("monitor.cancel_token", "#cancelar")

	v.SetDefault("rules.static.enabled", false)
	v.SetDefault("rules.static.spread_mode", "bps")
	v.SetDefault("rules.static.spread_value", 50.0)

	v.SetDefault("messaging.request_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
// Presence of connection endpoints is checked by the commands that need
// them, so read-only commands run without a full runtime config.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Quote.TTL <= 0 {
		return fmt.Errorf("quote.ttl must be greater than zero")
	}
	if c.Quote.SweepInterval <= 0 {
		return fmt.Errorf("quote.sweep_interval must be greater than zero")
	}
	if c.Monitor.ThresholdBps < 0 {
		return fmt.Errorf("monitor.threshold_bps cannot be negative")
	}
	if c.Monitor.MaxReprices <= 0 {
		return fmt.Errorf("monitor.max_reprices must be greater than zero")
	}
	switch c.Pricing.Source {
	case "rest":
	case "oracle":
		if c.Pricing.Oracle.RPCURL == "" {
			return fmt.Errorf("pricing.oracle.rpc_url is required for the oracle source")
		}
		if c.Pricing.Oracle.FeedAddress == "" {
			return fmt.Errorf("pricing.oracle.feed_address is required for the oracle source")
		}
	default:
		return fmt.Errorf("pricing.source must be rest or oracle, got %q", c.Pricing.Source)
	}
	if c.Feed.BackoffFactor != 0 && c.Feed.BackoffFactor < 1 {
		return fmt.Errorf("feed.backoff_factor must be at least 1")
	}
	if c.Rules.Static.Enabled && c.Rules.Static.SpreadValue < 0 {
		return fmt.Errorf("rules.static.spread_value cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
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
