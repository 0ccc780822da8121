// Package config loads the process-wide settings every other package
// is wired up from: exchange credentials (and an optional REST base URL
// override) from a .env file (github.com/joho/godotenv), everything else from a config.json
// decoded the way the teacher's LoadConfig decodes its flat struct.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LogConfig controls the zap/lumberjack setup built by internal/logger.
type LogConfig struct {
	Level      string `json:"level"`
	Output     string `json:"output"`
	File       string `json:"file"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

// RetryConfig is the backoff policy handed to internal/retry.
type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	InitialDelayMs int `json:"initial_delay_ms"`
	MaxDelayMs     int `json:"max_delay_ms"`
}

// Config is the ambient process configuration: everything that isn't
// a per-bot setting. Per-bot knobs (grid levels, spread, order size,
// ...) live in models.Config and are supplied per bot through the
// admin API instead.
type Config struct {
	// Exchange credentials, sourced from .env. BaseURL comes from
	// config.json unless BINANCE_BASE_URL overrides it; WSBaseURL comes
	// from config.json only.
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
	BaseURL   string `json:"base_url"`
	WSBaseURL string `json:"ws_base_url"`

	// Symbols to open market/user streams for at startup.
	SubscribeSymbols []string `json:"subscribe_symbols"`

	// HTTP admin surface.
	HTTPAddr string `json:"http_addr"`

	// Local persistence (BadgerDB directory).
	DBPath string `json:"db_path"`

	// Optional Redis cache mirror; RedisAddr empty disables it.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// Cache entry freshness setting. Not read by the runners, which use
	// a fixed 30-second price freshness window (runner.priceMaxAge).
	PriceCacheMaxAgeMs int `json:"price_cache_max_age_ms"`

	Retry RetryConfig `json:"retry"`
	Log   LogConfig   `json:"log"`
}

// Load reads envPath (a .env file; missing is not an error, matching
// godotenv's typical optional-in-production use) for secrets and
// jsonPath for everything else, then overlays a handful of env vars
// that are allowed to override the file per the admin surface's env
// conventions.
func Load(envPath, jsonPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := defaultConfig()

	if jsonPath != "" {
		file, err := os.Open(jsonPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config file: %w", err)
			}
		} else {
			defer file.Close()
			if err := json.NewDecoder(file).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config file: %w", err)
			}
		}
	}

	cfg.APIKey = os.Getenv("BINANCE_API_KEY")
	cfg.APISecret = os.Getenv("BINANCE_API_SECRET")
	if v := os.Getenv("BINANCE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SUBSCRIBE_SYMBOLS"); v != "" {
		cfg.SubscribeSymbols = splitAndTrim(v)
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTPAddr = ":" + v
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET must be set")
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		BaseURL:            "https://api.binance.com",
		WSBaseURL:          "wss://stream.binance.com:9443",
		SubscribeSymbols:   []string{"BTCUSDT", "ETHUSDT", "BTCFDUSD"},
		HTTPAddr:           ":8123",
		DBPath:             "./data/bots.db",
		RedisDB:            0,
		PriceCacheMaxAgeMs: 5000,
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialDelayMs: 500,
			MaxDelayMs:     10000,
		},
		Log: LogConfig{
			Level:      "info",
			Output:     "both",
			File:       "./logs/engine.log",
			MaxSize:    100,
			MaxBackups: 7,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
