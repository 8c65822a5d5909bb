package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`
	TimerPollMs int    `json:"timer_poll_ms"`

	// Never persisted; the vault passphrase only arrives via environment.
	VaultPassphrase string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(loomDir(), "loom.db"),
		LogLevel:    "info",
		PoolSize:    8,
		TimerPollMs: 250,
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LOOM_TIMER_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TimerPollMs = n
		}
	}
	cfg.VaultPassphrase = os.Getenv("LOOM_VAULT_PASSPHRASE")

	return cfg
}

func (c Config) logLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) timerPoll() time.Duration {
	if c.TimerPollMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.TimerPollMs) * time.Millisecond
}
