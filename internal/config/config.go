// Package config loads daemon configuration from a recall.yaml file and
// RECALL_-prefixed environment variables. Environment variables override
// file values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the daemon needs to run.
type Config struct {
	// DatabaseURL is the Postgres DSN for the durable store.
	DatabaseURL string `mapstructure:"database_url"`
	// FeedURL is the base URL of the change feed service.
	FeedURL string `mapstructure:"feed_url"`
	// DeviceID identifies this device in write and presence records.
	DeviceID string `mapstructure:"device_id"`
	// StorePath is the path of the embedded device store database.
	StorePath string `mapstructure:"store_path"`
	// BlobDir is the content-addressed blob root.
	BlobDir string `mapstructure:"blob_dir"`
	// ImportDir, if set, is watched for files to index.
	ImportDir string `mapstructure:"import_dir"`

	// FlushInterval is how often the write buffer drains.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// BatchSize caps how many buffered writes one flush delivers.
	BatchSize int `mapstructure:"batch_size"`
	// MaxAttempts is the retry ceiling before a write dead-letters.
	MaxAttempts int `mapstructure:"max_attempts"`

	// LogFile, if set, routes daemon logs to a rotated file instead of
	// stderr.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration from the named file (or the default search
// path when path is empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Keys need defaults for AutomaticEnv to reach Unmarshal.
	v.SetDefault("database_url", "")
	v.SetDefault("feed_url", "")
	v.SetDefault("device_id", "")
	v.SetDefault("import_dir", "")
	v.SetDefault("log_file", "")
	v.SetDefault("store_path", "recall.db")
	v.SetDefault("blob_dir", "blobs")
	v.SetDefault("flush_interval", 5*time.Second)
	v.SetDefault("batch_size", 50)
	v.SetDefault("max_attempts", 25)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("recall")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/recall")
	}

	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file is fine; environment alone can carry it.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set RECALL_DATABASE_URL or database_url in recall.yaml)")
	}
	if c.FeedURL == "" {
		return fmt.Errorf("feed_url is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	return nil
}
