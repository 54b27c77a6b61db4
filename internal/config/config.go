// Package config loads tool configuration from a YAML file with
// environment variable overrides (prefix VKFS_).
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config carries the knobs shared by the library facade and the CLI.
type Config struct {
	// Image is the path of the disk image to operate on.
	Image string `yaml:"image" envconfig:"IMAGE"`
	// SectorSize is the device sector size in bytes.
	SectorSize int `yaml:"sector_size" envconfig:"SECTOR_SIZE"`
	// ReadOnly mounts volumes read-only.
	ReadOnly bool `yaml:"read_only" envconfig:"READ_ONLY"`

	// CacheBuckets is the buffer cache hash table size.
	CacheBuckets int `yaml:"cache_buckets" envconfig:"CACHE_BUCKETS"`
	// CacheBuffers is the buffer cache capacity in sectors.
	CacheBuffers int `yaml:"cache_buffers" envconfig:"CACHE_BUFFERS"`
	// ReadRetries is how often a failing sector read is retried.
	ReadRetries int `yaml:"read_retries" envconfig:"READ_RETRIES"`

	// MaxFrames bounds the simulated physical memory, in pages.
	MaxFrames int `yaml:"max_frames" envconfig:"MAX_FRAMES"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		SectorSize:   512,
		CacheBuckets: 64,
		CacheBuffers: 256,
		ReadRetries:  3,
		MaxFrames:    4096,
		LogLevel:     "info",
	}
}

// Load reads path (when non-empty) over the defaults and then applies
// VKFS_* environment overrides.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process("vkfs", &c); err != nil {
		return c, fmt.Errorf("environment overrides: %w", err)
	}
	return c, nil
}

// Logger builds a slog logger honoring the configured level.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
