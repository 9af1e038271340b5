package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/TongWu/JAVDB-AutoSpider/internal/logger"
	"github.com/TongWu/JAVDB-AutoSpider/pkg/masking"
)

type Config struct {
	Fetcher  FetcherConfig  `mapstructure:"fetcher" validate:"required"`
	Proxy    ProxyConfig    `mapstructure:"proxy" validate:"required"`
	Pool     PoolConfig     `mapstructure:"pool" validate:"required"`
	Checker  CheckerConfig  `mapstructure:"checker" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Log      LogConfig      `mapstructure:"log"`
}

type FetcherConfig struct {
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	BypassPort        int           `mapstructure:"bypass_port" validate:"required,min=1,max=65535"`
	BypassEnabled     bool          `mapstructure:"bypass_enabled"`
	BypassMaxFailures int           `mapstructure:"bypass_max_failures" validate:"required,min=1,max=20"`
	TurnstileCooldown time.Duration `mapstructure:"turnstile_cooldown" validate:"max=10m"`
	FallbackCooldown  time.Duration `mapstructure:"fallback_cooldown" validate:"max=10m"`
	SessionCookie     string        `mapstructure:"session_cookie"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"required,min=1,max=10"`
}

// ProxyEntry is one named upstream proxy for pool mode. Entries without a
// name are auto-named by the pool.
type ProxyEntry struct {
	Name  string `mapstructure:"name"`
	HTTP  string `mapstructure:"http"`
	HTTPS string `mapstructure:"https"`
}

type ProxyConfig struct {
	Mode    string       `mapstructure:"mode" validate:"required,oneof=single pool"`
	Modules []string     `mapstructure:"modules"`
	HTTP    string       `mapstructure:"http"`
	HTTPS   string       `mapstructure:"https"`
	Entries []ProxyEntry `mapstructure:"entries"`
}

type PoolConfig struct {
	MaxFailures     int    `mapstructure:"max_failures" validate:"required,min=1,max=100"`
	CooldownSeconds int64  `mapstructure:"cooldown_seconds" validate:"required,min=1"`
	BanFile         string `mapstructure:"ban_file" validate:"required,min=1"`
}

type CheckerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TestURL    string        `mapstructure:"test_url" validate:"required,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"required,min=5s,max=1m"`
	MaxWorkers int           `mapstructure:"max_workers" validate:"required,min=1,max=200"`
	UserAgent  string        `mapstructure:"user_agent" validate:"required,min=10"`
}

type DatabaseConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path" validate:"required,min=1"`
	HistoryMaxAge time.Duration `mapstructure:"history_max_age" validate:"required,min=1h"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// setDefaults configures default values for viper
func setDefaults() {
	viper.SetDefault("fetcher.base_url", "https://javdb.com")
	viper.SetDefault("fetcher.bypass_port", 8000)
	viper.SetDefault("fetcher.bypass_enabled", true)
	viper.SetDefault("fetcher.bypass_max_failures", 3)
	viper.SetDefault("fetcher.turnstile_cooldown", "10s")
	viper.SetDefault("fetcher.fallback_cooldown", "30s")
	viper.SetDefault("fetcher.session_cookie", "")
	viper.SetDefault("fetcher.max_retries", 3)

	viper.SetDefault("proxy.mode", "single")
	viper.SetDefault("proxy.modules", []string{"all"})
	viper.SetDefault("proxy.http", "")
	viper.SetDefault("proxy.https", "")

	viper.SetDefault("pool.max_failures", 3)
	viper.SetDefault("pool.cooldown_seconds", 691200)
	viper.SetDefault("pool.ban_file", "reports/proxy_bans.csv")

	viper.SetDefault("checker.enabled", true)
	viper.SetDefault("checker.test_url", "https://httpbin.org/ip")
	viper.SetDefault("checker.timeout", "20s")
	viper.SetDefault("checker.max_workers", 10)
	viper.SetDefault("checker.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")

	viper.SetDefault("database.enabled", true)
	viper.SetDefault("database.path", "./data/spider.db")
	viper.SetDefault("database.history_max_age", "168h")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size_mb", 50)
	viper.SetDefault("log.max_backups", 5)
	viper.SetDefault("log.max_age_days", 30)
}

// Load reads configuration from the given file (or the default search paths),
// environment variables prefixed with SPIDER_, and built-in defaults, then
// validates the result.
func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("SPIDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		l := logger.WithComponent("config")
		l.Info().
			Msg("No config file found, using defaults and environment variables")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// SaveTemplate generates a sample configuration file with all defaults.
func SaveTemplate(path string) error {
	setDefaults()
	viper.SetConfigType("yaml")

	if err := viper.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config template: %w", err)
	}
	return nil
}

// Print logs the effective configuration with secrets and proxy hosts masked.
func Print(config *Config) {
	log := logger.WithComponent("config")

	log.Info().
		Str("base_url", config.Fetcher.BaseURL).
		Bool("bypass_enabled", config.Fetcher.BypassEnabled).
		Int("bypass_port", config.Fetcher.BypassPort).
		Dur("turnstile_cooldown", config.Fetcher.TurnstileCooldown).
		Dur("fallback_cooldown", config.Fetcher.FallbackCooldown).
		Msg("Fetcher configuration")

	cookie := "[NOT SET]"
	if config.Fetcher.SessionCookie != "" {
		cookie = masking.Full(config.Fetcher.SessionCookie)
	}
	log.Info().Str("session_cookie", cookie).Msg("Session configuration")

	log.Info().
		Str("mode", config.Proxy.Mode).
		Strs("modules", config.Proxy.Modules).
		Int("entries", len(config.Proxy.Entries)).
		Str("http", masking.ProxyURLLoose(config.Proxy.HTTP)).
		Str("https", masking.ProxyURLLoose(config.Proxy.HTTPS)).
		Msg("Proxy configuration")

	log.Info().
		Int("max_failures", config.Pool.MaxFailures).
		Int64("cooldown_seconds", config.Pool.CooldownSeconds).
		Str("ban_file", config.Pool.BanFile).
		Msg("Pool configuration")

	log.Info().
		Bool("checker_enabled", config.Checker.Enabled).
		Bool("database_enabled", config.Database.Enabled).
		Str("database_path", config.Database.Path).
		Msg("Support services configuration")
}
