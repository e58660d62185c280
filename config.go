package chronodb

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/chronodb/chronodb/internal/options"
)

// Config holds every tunable the engine reads at construction time. Zero
// value is never valid; use NewConfig to get the documented defaults.
type Config struct {
	DataDir string

	MemoryBufferSize int

	FlushInterval time.Duration
	FlushAge      time.Duration

	ArchiveEnabled  bool
	ArchiveBucket   string
	ArchivePrefix   string
	ArchiveRegion   string
	ArchiveInterval time.Duration
	ArchivalAge     time.Duration

	MaxBlockPoints int
}

func defaultConfig() Config {
	return Config{
		DataDir:          "./count_data",
		MemoryBufferSize: 10000,
		FlushInterval:    300 * time.Second,
		FlushAge:         300 * time.Second,
		ArchiveEnabled:   false,
		ArchiveInterval:  3600 * time.Second,
		ArchivalAge:      14 * 24 * time.Hour,
		MaxBlockPoints:   100000,
	}
}

// Opt configures a Config at construction time.
type Opt = options.Option[*Config]

// WithDataDir sets the disk tier's root directory.
func WithDataDir(dir string) Opt {
	return options.NoError(func(c *Config) { c.DataDir = dir })
}

// WithMemoryBufferSize sets the max points buffered per series before an
// early flush becomes eligible.
func WithMemoryBufferSize(n int) Opt {
	return options.New(func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("memory_buffer_size must be positive, got %d", n)
		}

		c.MemoryBufferSize = n

		return nil
	})
}

// WithFlushInterval sets the flush task's tick period.
func WithFlushInterval(d time.Duration) Opt {
	return options.NoError(func(c *Config) { c.FlushInterval = d; c.FlushAge = d })
}

// WithArchive enables the archive tier and sets its BlobStore location.
func WithArchive(bucket, prefix, region string) Opt {
	return options.New(func(c *Config) error {
		if bucket == "" {
			return fmt.Errorf("archive_bucket is required when archiving is enabled")
		}

		c.ArchiveEnabled = true
		c.ArchiveBucket = bucket
		c.ArchivePrefix = prefix
		c.ArchiveRegion = region

		return nil
	})
}

// WithArchiveInterval sets the archive task's tick period.
func WithArchiveInterval(d time.Duration) Opt {
	return options.NoError(func(c *Config) { c.ArchiveInterval = d })
}

// WithArchivalAge sets how old a disk block must be before it migrates to
// the archive tier.
func WithArchivalAge(d time.Duration) Opt {
	return options.NoError(func(c *Config) { c.ArchivalAge = d })
}

// WithMaxBlockPoints sets the upper bound on points per block; the flusher
// splits batches larger than this.
func WithMaxBlockPoints(n int) Opt {
	return options.New(func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("max_block_points must be positive, got %d", n)
		}

		c.MaxBlockPoints = n

		return nil
	})
}

// NewConfig builds a Config from its documented defaults plus any options,
// applied in order.
func NewConfig(opts ...Opt) (Config, error) {
	cfg := defaultConfig()
	if err := options.Apply(&cfg, opts...); err != nil {
		return Config{}, newError(KindInvalidInput, "config", err)
	}

	return cfg, nil
}

// rawConfig mirrors the environment-variable-style key/value table
// engines are configured from outside of Go code.
type rawConfig struct {
	DataDir          string `mapstructure:"data_dir"`
	MemoryBufferSize int    `mapstructure:"memory_buffer_size"`
	FlushIntervalSec int    `mapstructure:"flush_interval_seconds"`
	ArchiveEnabled   bool   `mapstructure:"archive_enabled"`
	ArchiveBucket    string `mapstructure:"archive_bucket"`
	ArchivePrefix    string `mapstructure:"archive_prefix"`
	ArchiveRegion    string `mapstructure:"archive_region"`
	ArchivalAgeDays  int    `mapstructure:"archival_age_days"`
	MaxBlockPoints   int    `mapstructure:"max_block_points"`
}

// ConfigFromMap builds a Config from the string-keyed table documented for
// environment-style configuration. Keys not present keep their default
// value.
func ConfigFromMap(values map[string]string) (Config, error) {
	cfg := defaultConfig()

	raw := rawConfig{
		DataDir:          cfg.DataDir,
		MemoryBufferSize: cfg.MemoryBufferSize,
		FlushIntervalSec: int(cfg.FlushInterval / time.Second),
		ArchiveEnabled:   cfg.ArchiveEnabled,
		ArchivalAgeDays:  int(cfg.ArchivalAge / (24 * time.Hour)),
		MaxBlockPoints:   cfg.MaxBlockPoints,
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return Config{}, newError(KindInvalidInput, "config.from_map", err)
	}

	generic := make(map[string]any, len(values))
	for k, v := range values {
		generic[k] = v
	}

	if err := decoder.Decode(generic); err != nil {
		return Config{}, newError(KindInvalidInput, "config.from_map", err)
	}

	cfg.DataDir = raw.DataDir
	cfg.MemoryBufferSize = raw.MemoryBufferSize
	cfg.FlushInterval = time.Duration(raw.FlushIntervalSec) * time.Second
	cfg.FlushAge = cfg.FlushInterval
	cfg.ArchiveEnabled = raw.ArchiveEnabled
	cfg.ArchiveBucket = raw.ArchiveBucket
	cfg.ArchivePrefix = raw.ArchivePrefix
	cfg.ArchiveRegion = raw.ArchiveRegion
	cfg.ArchivalAge = time.Duration(raw.ArchivalAgeDays) * 24 * time.Hour
	cfg.MaxBlockPoints = raw.MaxBlockPoints

	if cfg.ArchiveEnabled && cfg.ArchiveBucket == "" {
		return Config{}, newError(KindInvalidInput, "config.from_map", fmt.Errorf("archive_bucket is required when archive_enabled is true"))
	}

	return cfg, nil
}
