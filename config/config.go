package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"boll-trading-bot/internal/errs"
)

// Mode selects the trading adapter backing the engine.
type Mode string

const (
	ModeLive Mode = "live"
	ModeSim  Mode = "sim"
)

type Config struct {
	Trading  TradingConfig  `json:"trading"`
	Binance  BinanceConfig  `json:"binance"`
	Sim      SimConfig      `json:"sim"`
	Database DatabaseConfig `json:"database"`
	Server   ServerConfig   `json:"server"`
	Feed     FeedConfig     `json:"feed"`
	Logging  LoggingConfig  `json:"logging"`
	Vault    VaultConfig    `json:"vault"`
}

// TradingConfig holds the strategy parameters.
type TradingConfig struct {
	Symbol       string  `json:"symbol"`
	Interval     string  `json:"interval"`      // 1m, 5m, 15m, 1h, 4h, 1d
	BollPeriod   int     `json:"boll_period"`   // SMA/stddev window
	BollStd      float64 `json:"boll_std"`      // band width multiplier
	Leverage     int     `json:"leverage"`      // 1-125
	TradePercent float64 `json:"trade_percent"` // fraction of balance per open (0,1]
	FeeRate      float64 `json:"fee_rate"`      // taker fee fraction
	Mode         Mode    `json:"mode"`          // live or sim
}

// BinanceConfig holds venue credentials and endpoint selection.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	Testnet   bool   `json:"testnet"`
}

// SimConfig seeds the simulated adapter.
type SimConfig struct {
	Balance     float64 `json:"balance"`      // opening quote balance
	LotStep     float64 `json:"lot_step"`     // quantity rounding step
	MinNotional float64 `json:"min_notional"` // minimum order value in quote
}

// DatabaseConfig selects the store backend. URL with a postgres:// prefix
// switches to PostgreSQL; otherwise Path names the SQLite file.
type DatabaseConfig struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

// ServerConfig holds the dashboard bind and optional auth settings.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
	Password       string `json:"password"`   // empty disables auth
	JWTSecret      string `json:"jwt_secret"` // random per boot if empty
}

// FeedConfig tunes the market data bootstrap.
type FeedConfig struct {
	BootstrapRetries int `json:"bootstrap_retries"`
}

// LoggingConfig mirrors logging.Config so config stays dependency-light.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
	Output string `json:"output"` // stdout, stderr, or file path
}

// VaultConfig holds the optional HashiCorp Vault credential source.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// IntervalDuration returns the wall-clock length of one bar.
func (t TradingConfig) IntervalDuration() time.Duration {
	return intervalDurations[t.Interval]
}

// HasCredentials reports whether both API key and secret are set.
func (b BinanceConfig) HasCredentials() bool {
	return b.APIKey != "" && b.APISecret != ""
}

// Load reads the config file (missing file falls back to defaults), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		path = "config.json"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errs.Config("parse", fmt.Errorf("%s: %w", path, err))
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.Config("read", fmt.Errorf("%s: %w", path, err))
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Trading.Symbol = getEnvOrDefault("TRADING_SYMBOL", cfg.Trading.Symbol)
	cfg.Trading.Interval = getEnvOrDefault("TRADING_INTERVAL", cfg.Trading.Interval)
	cfg.Trading.BollPeriod = getEnvIntOrDefault("BOLL_PERIOD", cfg.Trading.BollPeriod)
	cfg.Trading.BollStd = getEnvFloatOrDefault("BOLL_STD", cfg.Trading.BollStd)
	cfg.Trading.Leverage = getEnvIntOrDefault("TRADING_LEVERAGE", cfg.Trading.Leverage)
	cfg.Trading.TradePercent = getEnvFloatOrDefault("TRADE_PERCENT", cfg.Trading.TradePercent)
	cfg.Trading.FeeRate = getEnvFloatOrDefault("FEE_RATE", cfg.Trading.FeeRate)
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = Mode(strings.ToLower(v))
	}

	cfg.Binance.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Binance.APIKey)
	cfg.Binance.APISecret = getEnvOrDefault("BINANCE_API_SECRET", cfg.Binance.APISecret)
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		cfg.Binance.Testnet = v == "true"
	}

	cfg.Sim.Balance = getEnvFloatOrDefault("SIM_BALANCE", cfg.Sim.Balance)
	cfg.Sim.LotStep = getEnvFloatOrDefault("SIM_LOT_STEP", cfg.Sim.LotStep)
	cfg.Sim.MinNotional = getEnvFloatOrDefault("SIM_MIN_NOTIONAL", cfg.Sim.MinNotional)

	cfg.Database.Path = getEnvOrDefault("DB_PATH", cfg.Database.Path)
	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)

	cfg.Server.Host = getEnvOrDefault("WEB_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", cfg.Server.Port)
	cfg.Server.AllowedOrigins = getEnvOrDefault("WEB_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Server.Password = getEnvOrDefault("WEB_PASSWORD", cfg.Server.Password)
	cfg.Server.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.Server.JWTSecret)

	cfg.Feed.BootstrapRetries = getEnvIntOrDefault("FEED_BOOTSTRAP_RETRIES", cfg.Feed.BootstrapRetries)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)

	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.Vault.Enabled = v == "true"
	}
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)
}

func applyDefaults(cfg *Config) {
	if cfg.Trading.Symbol == "" {
		cfg.Trading.Symbol = "BTCUSDT"
	}
	cfg.Trading.Symbol = strings.ToUpper(cfg.Trading.Symbol)
	if cfg.Trading.Interval == "" {
		cfg.Trading.Interval = "1h"
	}
	if cfg.Trading.BollPeriod == 0 {
		cfg.Trading.BollPeriod = 20
	}
	if cfg.Trading.BollStd == 0 {
		cfg.Trading.BollStd = 2.0
	}
	if cfg.Trading.Leverage == 0 {
		cfg.Trading.Leverage = 10
	}
	if cfg.Trading.TradePercent == 0 {
		cfg.Trading.TradePercent = 0.70
	}
	if cfg.Trading.FeeRate == 0 {
		cfg.Trading.FeeRate = 0.0005
	}
	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = ModeSim
	}
	if cfg.Sim.Balance == 0 {
		cfg.Sim.Balance = 1000.0
	}
	if cfg.Sim.LotStep == 0 {
		cfg.Sim.LotStep = 0.001
	}
	if cfg.Sim.MinNotional == 0 {
		cfg.Sim.MinNotional = 5.0
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/bollbot.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.AllowedOrigins == "" {
		cfg.Server.AllowedOrigins = "*"
	}
	if cfg.Feed.BootstrapRetries == 0 {
		cfg.Feed.BootstrapRetries = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Vault.MountPath == "" {
		cfg.Vault.MountPath = "secret"
	}
	if cfg.Vault.SecretPath == "" {
		cfg.Vault.SecretPath = "boll-trading-bot/binance"
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Trading.Mode != ModeLive && c.Trading.Mode != ModeSim {
		return errs.Config("validate", fmt.Errorf("mode must be live or sim, got %q", c.Trading.Mode))
	}
	if _, ok := intervalDurations[c.Trading.Interval]; !ok {
		return errs.Config("validate", fmt.Errorf("interval %q not supported", c.Trading.Interval))
	}
	if c.Trading.BollPeriod < 2 {
		return errs.Config("validate", fmt.Errorf("boll_period must be >= 2, got %d", c.Trading.BollPeriod))
	}
	if c.Trading.BollStd <= 0 {
		return errs.Config("validate", fmt.Errorf("boll_std must be > 0, got %v", c.Trading.BollStd))
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 125 {
		return errs.Config("validate", fmt.Errorf("leverage must be in 1..125, got %d", c.Trading.Leverage))
	}
	if c.Trading.TradePercent <= 0 || c.Trading.TradePercent > 1 {
		return errs.Config("validate", fmt.Errorf("trade_percent must be in (0,1], got %v", c.Trading.TradePercent))
	}
	if c.Trading.FeeRate < 0 {
		return errs.Config("validate", fmt.Errorf("fee_rate must be >= 0, got %v", c.Trading.FeeRate))
	}
	if c.Trading.Mode == ModeLive && !c.Binance.HasCredentials() && !c.Vault.Enabled {
		return errs.Config("validate", fmt.Errorf("live mode requires api_key and api_secret (or vault)"))
	}
	if c.Sim.Balance <= 0 {
		return errs.Config("validate", fmt.Errorf("sim balance must be > 0, got %v", c.Sim.Balance))
	}
	if c.Sim.LotStep <= 0 {
		return errs.Config("validate", fmt.Errorf("sim lot_step must be > 0, got %v", c.Sim.LotStep))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errs.Config("validate", fmt.Errorf("web port %d out of range", c.Server.Port))
	}
	if c.Feed.BootstrapRetries < 1 {
		return errs.Config("validate", fmt.Errorf("bootstrap_retries must be >= 1, got %d", c.Feed.BootstrapRetries))
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a starter configuration file.
func GenerateSampleConfig(filename string) error {
	cfg := Config{
		Trading: TradingConfig{
			Symbol:       "BTCUSDT",
			Interval:     "1h",
			BollPeriod:   20,
			BollStd:      2.0,
			Leverage:     10,
			TradePercent: 0.70,
			FeeRate:      0.0005,
			Mode:         ModeSim,
		},
		Binance: BinanceConfig{
			APIKey:    "your_api_key_here",
			APISecret: "your_api_secret_here",
			Testnet:   true,
		},
		Sim: SimConfig{
			Balance:     1000.0,
			LotStep:     0.001,
			MinNotional: 5.0,
		},
		Database: DatabaseConfig{
			Path: "data/bollbot.db",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: "*",
		},
		Feed: FeedConfig{
			BootstrapRetries: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
