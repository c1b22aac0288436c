package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration. Defaults are overlaid by an
// optional YAML file, then by environment variables, so a container can run
// with nothing but env and a workstation with nothing but a file.
type Config struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`

	// UpstreamURL is the brokerage REST API base, e.g. "https://api.example.com".
	UpstreamURL string `yaml:"upstream_url"`
	// FeedURL is the push endpoint base, e.g. "wss://feed.example.com/ws".
	FeedURL string `yaml:"feed_url"`

	HistoryPath string `yaml:"history_path"`
	RefreshPath string `yaml:"refresh_path"`
	Channel     string `yaml:"channel"`

	// PrefsPath is the SQLite file for local state. Empty disables persistence.
	PrefsPath string `yaml:"prefs_path"`

	LogLevel string `yaml:"log_level"`

	RateEvery time.Duration `yaml:"rate_every"`
	RateBurst int           `yaml:"rate_burst"`
}

const (
	DefaultHost = "localhost"
	DefaultPort = "8080"
)

// LoadConfig builds the configuration. path may be empty; a missing file at
// an explicit path is an error, env always wins.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		Host:        DefaultHost,
		Port:        DefaultPort,
		HistoryPath: "/api/history",
		RefreshPath: "/api/session/refresh",
		Channel:     "quotes",
		LogLevel:    "info",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	overlay := map[string]*string{
		"SYNC_HOST":         &cfg.Host,
		"SYNC_PORT":         &cfg.Port,
		"SYNC_UPSTREAM_URL": &cfg.UpstreamURL,
		"SYNC_FEED_URL":     &cfg.FeedURL,
		"SYNC_HISTORY_PATH": &cfg.HistoryPath,
		"SYNC_REFRESH_PATH": &cfg.RefreshPath,
		"SYNC_CHANNEL":      &cfg.Channel,
		"SYNC_PREFS_PATH":   &cfg.PrefsPath,
		"SYNC_LOG_LEVEL":    &cfg.LogLevel,
	}
	for key, dst := range overlay {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields no default can supply.
func (c Config) Validate() error {
	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required (SYNC_UPSTREAM_URL)")
	}
	if c.FeedURL == "" {
		return fmt.Errorf("feed_url is required (SYNC_FEED_URL)")
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Level parses LogLevel, defaulting to info on unknown values.
func (c Config) Level() slog.Level {
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
