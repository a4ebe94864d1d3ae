package ingest

import (
	"fmt"
	"time"
)

// Config holds ingestion tuning. The flush thresholds are defaults, not
// architectural constants.
type Config struct {
	// FlushCount triggers a flush when the buffered count reaches it.
	FlushCount int `yaml:"flush_count" mapstructure:"flush_count"`

	// FlushInterval triggers a flush when this much time passed since the
	// last one, whichever fires first.
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`

	// TickInterval is the cadence of the periodic flush scheduler.
	TickInterval time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`

	// FlushTimeout bounds a single batch write. It is independent of the
	// scheduler cadence so a store that is slow but healthy does not burn
	// retries.
	FlushTimeout time.Duration `yaml:"flush_timeout" mapstructure:"flush_timeout"`

	// MaxFlushRetries bounds how often a failed batch is retried before
	// it is dropped with a loss warning.
	MaxFlushRetries int `yaml:"max_flush_retries" mapstructure:"max_flush_retries"`

	// MaxSessions bounds concurrently active ingestion sessions.
	MaxSessions int `yaml:"max_sessions" mapstructure:"max_sessions"`

	// Language is the recognition language hint passed to the STT backend.
	Language string `yaml:"language" mapstructure:"language"`
}

// ApplyDefaults sets the service defaults (5 segments / 10s / 1s tick).
func (c *Config) ApplyDefaults() {
	if c.FlushCount <= 0 {
		c.FlushCount = 5
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.MaxFlushRetries <= 0 {
		c.MaxFlushRetries = 3
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 64
	}
}

// Validate checks ingestion configuration consistency.
func (c *Config) Validate() error {
	if c.TickInterval > c.FlushInterval {
		return fmt.Errorf("ingest.tick_interval (%s) must be <= flush_interval (%s)", c.TickInterval, c.FlushInterval)
	}
	if c.FlushTimeout > 0 && c.FlushTimeout < c.TickInterval {
		return fmt.Errorf("ingest.flush_timeout (%s) must be >= tick_interval (%s)", c.FlushTimeout, c.TickInterval)
	}
	return nil
}
