package memory

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the recognized memory engine options.
type Config struct {
	// Account is the owning account for hub mirroring and profiles.
	Account string

	// AutoUploadToHub mirrors appended messages and committed records to
	// the hub collaborator.
	AutoUploadToHub bool

	// PreloadFromHub fetches a conversation's stored turns on first access.
	PreloadFromHub bool

	// BufferCapacity is the soft per-conversation message bound. The
	// buffer may exceed it rather than evict unsummarized turns.
	// Zero disables count-based eviction.
	BufferCapacity int

	// BufferMaxAge evicts already-summarized turns older than this.
	// Zero disables age-based eviction.
	BufferMaxAge time.Duration

	// SummarizeInterval is the scheduler cadence.
	SummarizeInterval time.Duration

	// MinTailSize is the minimum unsummarized tail length that makes a
	// conversation eligible for summarization.
	MinTailSize int

	// ProfileEveryNCycles recomputes the account profile every N scheduler
	// cycles. Zero disables profile recomputation.
	ProfileEveryNCycles int

	// SummarizeTimeout bounds a single summarizer invocation.
	SummarizeTimeout time.Duration

	// SimilarityThreshold is the default retrieval threshold when the
	// caller does not supply one.
	SimilarityThreshold float32

	// IndexShortTerm also indexes every appended message as a short-term
	// document, making the short-term tier similarity-searchable. Off by
	// default; retrieval then serves short-term from the buffers.
	IndexShortTerm bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Account:             "default",
		BufferCapacity:      512,
		SummarizeInterval:   time.Minute,
		MinTailSize:         20,
		ProfileEveryNCycles: 5,
		SummarizeTimeout:    30 * time.Second,
	}
}

// fileConfig mirrors Config for yaml files, with durations written as
// strings like "90s" or "5m".
type fileConfig struct {
	Account             string  `yaml:"account"`
	AutoUploadToHub     bool    `yaml:"auto_upload_to_hub"`
	PreloadFromHub      bool    `yaml:"preload_from_hub"`
	BufferCapacity      int     `yaml:"buffer_capacity"`
	BufferMaxAge        string  `yaml:"buffer_max_age"`
	SummarizeInterval   string  `yaml:"summarize_interval"`
	MinTailSize         int     `yaml:"min_tail_size"`
	ProfileEveryNCycles *int    `yaml:"profile_every_n_cycles"`
	SummarizeTimeout    string  `yaml:"summarize_timeout"`
	SimilarityThreshold float32 `yaml:"similarity_threshold"`
	IndexShortTerm      bool    `yaml:"index_short_term"`
}

// LoadConfig reads a yaml config file and applies defaults to unset fields.
// An explicit profile_every_n_cycles of 0 keeps profile recomputation
// disabled; omitting the key takes the default cadence.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := &Config{
		Account:             fc.Account,
		AutoUploadToHub:     fc.AutoUploadToHub,
		PreloadFromHub:      fc.PreloadFromHub,
		BufferCapacity:      fc.BufferCapacity,
		MinTailSize:         fc.MinTailSize,
		SimilarityThreshold: fc.SimilarityThreshold,
		IndexShortTerm:      fc.IndexShortTerm,
	}
	if fc.ProfileEveryNCycles != nil {
		cfg.ProfileEveryNCycles = *fc.ProfileEveryNCycles
	} else {
		cfg.ProfileEveryNCycles = DefaultConfig().ProfileEveryNCycles
	}
	for _, d := range []struct {
		raw string
		key string
		dst *time.Duration
	}{
		{fc.BufferMaxAge, "buffer_max_age", &cfg.BufferMaxAge},
		{fc.SummarizeInterval, "summarize_interval", &cfg.SummarizeInterval},
		{fc.SummarizeTimeout, "summarize_timeout", &cfg.SummarizeTimeout},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %s: %w", path, d.key, err)
		}
		*d.dst = parsed
	}
	return cfg.withDefaults(), nil
}

// withDefaults fills zero fields from DefaultConfig and returns cfg.
// ProfileEveryNCycles is left alone; zero means disabled.
func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c.Account == "" {
		c.Account = def.Account
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = def.BufferCapacity
	}
	if c.SummarizeInterval <= 0 {
		c.SummarizeInterval = def.SummarizeInterval
	}
	if c.MinTailSize <= 0 {
		c.MinTailSize = def.MinTailSize
	}
	if c.SummarizeTimeout <= 0 {
		c.SummarizeTimeout = def.SummarizeTimeout
	}
	return c
}
