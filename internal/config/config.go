package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"walletpnl/internal/logging"
)

// SupportedChains lists the chain identifiers the Covalent API accepts.
var SupportedChains = []string{
	"eth-mainnet",
	"matic-mainnet",
	"bsc-mainnet",
	"avalanche-mainnet",
	"arbitrum-mainnet",
	"optimism-mainnet",
	"base-mainnet",
	"polygon-zkevm-mainnet",
}

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Covalent  CovalentConfig  `mapstructure:"covalent"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. DSN may be left empty
// to run without persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CovalentConfig covers indexing-API access.
type CovalentConfig struct {
	APIKey           string        `mapstructure:"api_key"`
	BaseURL          string        `mapstructure:"base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	PageSize         int           `mapstructure:"page_size"`
	MaxPages         int           `mapstructure:"max_pages"`
	RetryMaxTries    uint          `mapstructure:"retry_max_tries"`
	RetryInitialWait time.Duration `mapstructure:"retry_initial_wait"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// AnalysisConfig selects what to analyze and how.
type AnalysisConfig struct {
	Wallets        []string `mapstructure:"wallets"`
	Chains         []string `mapstructure:"chains"`
	QuoteCurrency  string   `mapstructure:"quote_currency"`
	IncludeNFTs    bool     `mapstructure:"include_nfts"`
	NoSpam         bool     `mapstructure:"no_spam"`
	PriceTolerance float64  `mapstructure:"price_tolerance"`
	Workers        int      `mapstructure:"workers"`
}

// SchedulerConfig governs watch-mode cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	// AdvisoryLockKey serialises runs sharing one database. Zero disables.
	AdvisoryLockKey int64 `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines PNL alert thresholds and routing.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DrawdownPct triggers an alert when a wallet's total ROI falls at or
	// below -DrawdownPct. GainPct works symmetrically on the upside; zero
	// disables the upside alert.
	DrawdownPct float64        `mapstructure:"drawdown_pct"`
	GainPct     float64        `mapstructure:"gain_pct"`
	Channels    []string       `mapstructure:"channels"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WALLETPNL")
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
	v.SetDefault("app.name", "walletpnl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("covalent.base_url", "https://api.covalenthq.com")
	v.SetDefault("covalent.request_timeout", "30s")
	v.SetDefault("covalent.page_size", 1000)
	v.SetDefault("covalent.max_pages", 1000)
	v.SetDefault("covalent.retry_max_tries", 5)
	v.SetDefault("covalent.retry_initial_wait", "1s")
	v.SetDefault("covalent.user_agent", "walletpnl/1.0")

	v.SetDefault("analysis.chains", []string{"eth-mainnet"})
	v.SetDefault("analysis.quote_currency", "USD")
	v.SetDefault("analysis.no_spam", true)
	v.SetDefault("analysis.include_nfts", false)
	v.SetDefault("analysis.price_tolerance", 0.01)
	v.SetDefault("analysis.workers", 4)

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x706e6c))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.drawdown_pct", 20.0)
	v.SetDefault("alerting.gain_pct", 0.0)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_rows", 100000)

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
func (c *Config) Validate() error {
	if c.Covalent.APIKey == "" {
		return fmt.Errorf("covalent.api_key is required")
	}
	if !strings.HasPrefix(c.Covalent.APIKey, "cqt_") {
		return fmt.Errorf("covalent.api_key must start with 'cqt_'")
	}
	if c.Covalent.MaxPages < 1 {
		return fmt.Errorf("covalent.max_pages must be at least 1")
	}

	if len(c.Analysis.Wallets) == 0 {
		return fmt.Errorf("analysis.wallets: at least one wallet address is required")
	}
	for _, wallet := range c.Analysis.Wallets {
		if !common.IsHexAddress(wallet) {
			return fmt.Errorf("analysis.wallets: invalid address %q", wallet)
		}
	}

	if len(c.Analysis.Chains) == 0 {
		return fmt.Errorf("analysis.chains: at least one chain is required")
	}
	for _, chain := range c.Analysis.Chains {
		if !isSupportedChain(chain) {
			return fmt.Errorf("analysis.chains: unsupported chain %q", chain)
		}
	}

	if c.Analysis.PriceTolerance < 0 || c.Analysis.PriceTolerance > 1 {
		return fmt.Errorf("analysis.price_tolerance must be between 0 and 1")
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("analysis.workers must be at least 1")
	}

	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}

	if c.Alerting.DrawdownPct < 0 || c.Alerting.GainPct < 0 {
		return fmt.Errorf("alerting thresholds cannot be negative")
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

func isSupportedChain(chain string) bool {
	for _, known := range SupportedChains {
		if chain == known {
			return true
		}
	}
	return false
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
