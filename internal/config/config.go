package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-strength-bot/internal/logging"
)

var webhookSecretPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

// Config materialises application configuration.
type Config struct {
	App       AppConfig           `mapstructure:"app"`
	Logging   logging.Config      `mapstructure:"logging"`
	Telegram  TelegramConfig      `mapstructure:"telegram"`
	Server    ServerConfig        `mapstructure:"server"`
	Market    MarketConfig        `mapstructure:"market"`
	Storage   StorageConfig       `mapstructure:"storage"`
	Retention RetentionConfig     `mapstructure:"retention"`
	CoinLists map[string][]string `mapstructure:"coin_lists"`
	KeepAlive KeepAliveConfig     `mapstructure:"keepalive"`
	Database  DatabaseConfig      `mapstructure:"database"`
	Export    ExportConfig        `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// Timezone is the wall clock used for daily alarms and the retention job.
	Timezone string `mapstructure:"timezone"`
}

// TelegramConfig describes the chat endpoint.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	APIBase        string        `mapstructure:"api_base"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookPath    string        `mapstructure:"webhook_path"`
	// WebhookSecret is registered with setWebhook and checked on every post.
	WebhookSecret  string        `mapstructure:"webhook_secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ServerConfig controls the inbound webhook listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MarketConfig covers exchange connectivity.
type MarketConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StorageConfig locates the flat-file logs.
type StorageConfig struct {
	ScoreHistoryPath string `mapstructure:"score_history_path"`
	PriceLogPath     string `mapstructure:"price_log_path"`
	AlarmLogPath     string `mapstructure:"alarm_log_path"`
}

// RetentionConfig tunes the daily compaction job.
type RetentionConfig struct {
	DailyAt            string `mapstructure:"daily_at"`
	PriceRetentionDays int    `mapstructure:"price_retention_days"`
	PriceMaxRows       int    `mapstructure:"price_max_rows"`
}

// KeepAliveConfig drives the liveness pinger.
type KeepAliveConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig encapsulates the optional PostgreSQL archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// StoreConfig is the slice of configuration injected into stores and the
// retention policy at construction.
type StoreConfig struct {
	ScoreHistoryPath   string
	PriceLogPath       string
	AlarmLogPath       string
	PriceRetentionDays int
	PriceMaxRows       int
	DailyAt            string
	Location           *time.Location
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STRENGTHBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}
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

// bindLegacyEnv keeps the deployment variables of the first bot release working.
func bindLegacyEnv(v *viper.Viper) error {
	legacy := map[string]string{
		"telegram.bot_token": "TELEGRAM_TOKEN",
		"telegram.chat_id":   "CHAT_ID",
		"server.port":        "PORT",
		"keepalive.url":      "KEEP_ALIVE_URL",
	}
	for key, env := range legacy {
		if err := v.BindEnv(key, "STRENGTHBOT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
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
	v.SetDefault("app.name", "strengthbot")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "Local")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.webhook_path", "/")
	v.SetDefault("telegram.webhook_secret", "")
	v.SetDefault("telegram.request_timeout", "10s")

	v.SetDefault("server.port", 10000)

	v.SetDefault("market.base_url", "https://api.binance.com")
	v.SetDefault("market.quote_asset", "USDT")
	v.SetDefault("market.request_timeout", "5s")

	v.SetDefault("storage.score_history_path", "ap_history.csv")
	v.SetDefault("storage.price_log_path", "p_history.csv")
	v.SetDefault("storage.alarm_log_path", "alarms.csv")

	v.SetDefault("retention.daily_at", "21:00")
	v.SetDefault("retention.price_retention_days", 30)
	v.SetDefault("retention.price_max_rows", 10000)

	v.SetDefault("coin_lists", map[string][]string{
		"F1": {"BTC", "ETH", "BNB", "SOL"},
		"F2": {"PEPE", "BOME", "DOGE"},
		"F3": {"S", "CAKE", "ZRO"},
	})

	v.SetDefault("keepalive.interval", "5m")
	v.SetDefault("keepalive.timeout", "5s")

	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("export.max_data_points", 5000)
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
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := time.Parse("15:04", c.Retention.DailyAt); err != nil {
		return fmt.Errorf("retention.daily_at must be HH:MM: %w", err)
	}
	if secret := c.Telegram.WebhookSecret; secret != "" && !webhookSecretPattern.MatchString(secret) {
		return fmt.Errorf("telegram.webhook_secret must be 1-256 characters of A-Z, a-z, 0-9, _ or -")
	}
	if c.Retention.PriceRetentionDays < 0 {
		return fmt.Errorf("retention.price_retention_days cannot be negative")
	}
	if c.Retention.PriceMaxRows < 0 {
		return fmt.Errorf("retention.price_max_rows cannot be negative")
	}
	if c.Market.RequestTimeout <= 0 {
		return fmt.Errorf("market.request_timeout must be greater than zero")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for name, coins := range c.CoinLists {
		if len(coins) == 0 {
			return fmt.Errorf("coin_lists.%s is empty", name)
		}
	}
	if c.Storage.ScoreHistoryPath == "" || c.Storage.PriceLogPath == "" || c.Storage.AlarmLogPath == "" {
		return fmt.Errorf("storage paths must all be set")
	}
	return nil
}

// RequireChat checks the settings needed to talk to Telegram.
func (c *Config) RequireChat() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token must be configured")
	}
	if c.Telegram.ChatID == "" {
		return fmt.Errorf("telegram.chat_id must be configured")
	}
	return nil
}

// RequireWebhookSecret checks the setting that authenticates webhook posts.
func (c *Config) RequireWebhookSecret() error {
	if c.Telegram.WebhookSecret == "" {
		return fmt.Errorf("telegram.webhook_secret must be configured")
	}
	return nil
}

// Location resolves app.timezone.
func (c *Config) Location() (*time.Location, error) {
	name := c.App.Timezone
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("app.timezone: %w", err)
	}
	return loc, nil
}

// StoreConfig extracts the store/retention settings.
func (c *Config) StoreConfig() StoreConfig {
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}
	return StoreConfig{
		ScoreHistoryPath:   c.Storage.ScoreHistoryPath,
		PriceLogPath:       c.Storage.PriceLogPath,
		AlarmLogPath:       c.Storage.AlarmLogPath,
		PriceRetentionDays: c.Retention.PriceRetentionDays,
		PriceMaxRows:       c.Retention.PriceMaxRows,
		DailyAt:            c.Retention.DailyAt,
		Location:           loc,
	}
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
