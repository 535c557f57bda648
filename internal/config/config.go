package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"sentiment-pulse/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Source    SourceConfig    `mapstructure:"source"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Sectors   []SectorConfig  `mapstructure:"sectors"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig backs the shares-outstanding cache.
type RedisConfig struct {
	URL       string        `mapstructure:"url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	SharesTTL time.Duration `mapstructure:"shares_ttl"`
}

// SourceConfig covers the end-of-day market data API.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Exchange       string        `mapstructure:"exchange"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// PipelineConfig governs the sentiment computation.
type PipelineConfig struct {
	EMAWindow         int    `mapstructure:"ema_window"`
	EmptySectorPolicy string `mapstructure:"empty_sector_policy"`
	MaxGapDays        int    `mapstructure:"max_gap_days"`
	Workers           int    `mapstructure:"workers"`
	AdvisoryLockKey   int64  `mapstructure:"advisory_lock_key"`
}

// SectorConfig names a basket and its constituent tickers.
type SectorConfig struct {
	Name    string   `mapstructure:"name"`
	Tickers []string `mapstructure:"tickers"`
}

// SchedulerConfig governs when the daily run fires.
type SchedulerConfig struct {
	Cron         string        `mapstructure:"cron"`
	Timezone     string        `mapstructure:"timezone"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	SharesCron   string        `mapstructure:"shares_cron"`
}

// AlertingConfig defines where failed-run summaries go.
type AlertingConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	NotifyDegraded bool           `mapstructure:"notify_degraded"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("PULSE")
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
	v.SetDefault("app.name", "sentiment-pulse")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.key_prefix", "pulse:shares:")
	v.SetDefault("redis.shares_ttl", "168h")

	v.SetDefault("source.base_url", "https://eodhd.com/api")
	v.SetDefault("source.exchange", "US")
	v.SetDefault("source.request_timeout", "15s")
	v.SetDefault("source.user_agent", "sentiment-pulse/1.0")
	v.SetDefault("source.rate_limit", 5.0)
	v.SetDefault("source.burst", 5)
	v.SetDefault("source.max_attempts", 4)
	v.SetDefault("source.initial_backoff", "500ms")
	v.SetDefault("source.max_backoff", "10s")

	v.SetDefault("pipeline.ema_window", 20)
	v.SetDefault("pipeline.empty_sector_policy", "skip")
	v.SetDefault("pipeline.max_gap_days", 5)
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.advisory_lock_key", int64(0x70756c73))

	v.SetDefault("scheduler.cron", "30 22 * * 1-5")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.shares_cron", "0 6 * * 1")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.notify_degraded", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9108")
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
func (c *Config) Validate() error {
	if c.Pipeline.EMAWindow < 1 {
		return fmt.Errorf("pipeline.ema_window must be at least 1")
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	if c.Pipeline.MaxGapDays < 1 {
		return fmt.Errorf("pipeline.max_gap_days must be at least 1")
	}
	switch strings.ToLower(c.Pipeline.EmptySectorPolicy) {
	case "", "skip", "abort":
	default:
		return fmt.Errorf("pipeline.empty_sector_policy must be skip or abort, got %q", c.Pipeline.EmptySectorPolicy)
	}
	if len(c.Sectors) == 0 {
		return fmt.Errorf("sectors must define at least one sector")
	}
	seen := make(map[string]struct{}, len(c.Sectors))
	for _, sector := range c.Sectors {
		name := strings.TrimSpace(sector.Name)
		if name == "" {
			return fmt.Errorf("sectors: every sector needs a name")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sector %q is defined twice", name)
		}
		seen[name] = struct{}{}
		if len(sector.Tickers) == 0 {
			return fmt.Errorf("sector %q has no tickers", name)
		}
	}
	if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
		return fmt.Errorf("scheduler.cron: %w", err)
	}
	if c.Scheduler.SharesCron != "" {
		if _, err := cron.ParseStandard(c.Scheduler.SharesCron); err != nil {
			return fmt.Errorf("scheduler.shares_cron: %w", err)
		}
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if c.Source.RateLimit < 0 {
		return fmt.Errorf("source.rate_limit cannot be negative")
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

// SectorMembership returns sector name → tickers as configured.
func (c *Config) SectorMembership() map[string][]string {
	out := make(map[string][]string, len(c.Sectors))
	for _, sector := range c.Sectors {
		out[strings.TrimSpace(sector.Name)] = append([]string(nil), sector.Tickers...)
	}
	return out
}
