// Package config loads chatcache settings from a TOML or YAML file, with
// CHATCACHE_* environment variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

const (
	// DefaultPath is used when Load gets an empty path.
	DefaultPath = "~/.config/chatcache/config.toml"

	envPrefix = "CHATCACHE"
)

// Config is the full chatcache configuration.
type Config struct {
	DatabasePath string          `mapstructure:"database_path"`
	SpoolDir     string          `mapstructure:"spool_dir"`
	UserID       string          `mapstructure:"user_id"`
	API          APIConfig       `mapstructure:"api"`
	Log          LogConfig       `mapstructure:"log"`
	Dashboard    DashboardConfig `mapstructure:"dashboard"`
	Typing       TypingConfig    `mapstructure:"typing"`
	Daemon       DaemonConfig    `mapstructure:"daemon"`
}

// APIConfig points at the chat backend. An empty BaseURL runs offline.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Key     string        `mapstructure:"key"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type TypingConfig struct {
	StartThrottle time.Duration `mapstructure:"start_throttle"`
	StopDelay     time.Duration `mapstructure:"stop_delay"`
}

type DaemonConfig struct {
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	// FullSyncInterval repeats the full spool sync. Zero disables it.
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval"`
}

// Default returns the built-in configuration, paths unexpanded.
func Default() Config {
	return Config{
		DatabasePath: "~/.local/share/chatcache/cache.db",
		SpoolDir:     "~/.local/share/chatcache/spool",
		API:          APIConfig{Timeout: 10 * time.Second},
		Log:          LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
		Dashboard:    DashboardConfig{Port: 8080},
		Typing:       TypingConfig{StartThrottle: 5 * time.Second, StopDelay: 5 * time.Second},
		Daemon:       DaemonConfig{DebounceInterval: 100 * time.Millisecond},
	}
}

// Load reads path, falling back to defaults when the file is missing.
// Environment variables override both: CHATCACHE_DATABASE_PATH,
// CHATCACHE_API_BASE_URL and so on. Paths starting with ~ are expanded.
func Load(path string) (*Config, error) {
	resolved, err := expandPath(orDefault(path))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(resolved)
	if filepath.Ext(resolved) == "" {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config %s: %w", resolved, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", resolved, err)
	}

	if cfg.DatabasePath, err = expandPath(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("database_path: %w", err)
	}
	if cfg.SpoolDir, err = expandPath(cfg.SpoolDir); err != nil {
		return nil, fmt.Errorf("spool_dir: %w", err)
	}
	if cfg.Log.File != "" {
		if cfg.Log.File, err = expandPath(cfg.Log.File); err != nil {
			return nil, fmt.Errorf("log.file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would only fail later.
func (c *Config) Validate() error {
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if c.API.BaseURL != "" && c.UserID == "" {
		return fmt.Errorf("user_id is required when api.base_url is set")
	}
	if c.Daemon.FullSyncInterval < 0 {
		return fmt.Errorf("daemon.full_sync_interval cannot be negative")
	}
	return nil
}

// Online reports whether a backend is configured.
func (c *Config) Online() bool {
	return c.API.BaseURL != ""
}

// setDefaults registers every key so that AutomaticEnv can override keys the
// file does not mention.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database_path", d.DatabasePath)
	v.SetDefault("spool_dir", d.SpoolDir)
	v.SetDefault("user_id", d.UserID)
	v.SetDefault("api.base_url", d.API.BaseURL)
	v.SetDefault("api.key", d.API.Key)
	v.SetDefault("api.token", d.API.Token)
	v.SetDefault("api.timeout", d.API.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("typing.start_throttle", d.Typing.StartThrottle)
	v.SetDefault("typing.stop_delay", d.Typing.StopDelay)
	v.SetDefault("daemon.debounce_interval", d.Daemon.DebounceInterval)
	v.SetDefault("daemon.full_sync_interval", d.Daemon.FullSyncInterval)
}

// fileConfig is the on-disk shape written by WriteDefault. Durations are
// strings so the file stays readable.
type fileConfig struct {
	DatabasePath string `toml:"database_path"`
	SpoolDir     string `toml:"spool_dir"`
	UserID       string `toml:"user_id"`
	API          struct {
		BaseURL string `toml:"base_url"`
		Key     string `toml:"key"`
		Token   string `toml:"token"`
		Timeout string `toml:"timeout"`
	} `toml:"api"`
	Log struct {
		Level      string `toml:"level"`
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
	} `toml:"log"`
	Dashboard struct {
		Port int `toml:"port"`
	} `toml:"dashboard"`
	Typing struct {
		StartThrottle string `toml:"start_throttle"`
		StopDelay     string `toml:"stop_delay"`
	} `toml:"typing"`
	Daemon struct {
		DebounceInterval string `toml:"debounce_interval"`
		FullSyncInterval string `toml:"full_sync_interval"`
	} `toml:"daemon"`
}

func toFile(c Config) fileConfig {
	var f fileConfig
	f.DatabasePath = c.DatabasePath
	f.SpoolDir = c.SpoolDir
	f.UserID = c.UserID
	f.API.BaseURL = c.API.BaseURL
	f.API.Key = c.API.Key
	f.API.Token = c.API.Token
	f.API.Timeout = c.API.Timeout.String()
	f.Log.Level = c.Log.Level
	f.Log.File = c.Log.File
	f.Log.MaxSizeMB = c.Log.MaxSizeMB
	f.Log.MaxBackups = c.Log.MaxBackups
	f.Log.MaxAgeDays = c.Log.MaxAgeDays
	f.Dashboard.Port = c.Dashboard.Port
	f.Typing.StartThrottle = c.Typing.StartThrottle.String()
	f.Typing.StopDelay = c.Typing.StopDelay.String()
	f.Daemon.DebounceInterval = c.Daemon.DebounceInterval.String()
	f.Daemon.FullSyncInterval = c.Daemon.FullSyncInterval.String()
	return f
}

// WriteDefault writes the default configuration to path as TOML. An
// existing file is left alone unless force is set.
func WriteDefault(path string, force bool) (string, error) {
	resolved, err := expandPath(orDefault(path))
	if err != nil {
		return "", err
	}
	if !force {
		if _, err := os.Stat(resolved); err == nil {
			return resolved, fmt.Errorf("config already exists: %s", resolved)
		}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(resolved)
	if err != nil {
		return "", fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(toFile(Default())); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return resolved, f.Close()
}

func orDefault(path string) string {
	if strings.TrimSpace(path) == "" {
		return DefaultPath
	}
	return path
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
