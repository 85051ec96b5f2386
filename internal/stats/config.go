package stats

import (
	"fmt"
	"time"
)

// Config defines how session statistics are buffered and persisted
type Config struct {
	Enabled bool `toml:"enabled"`

	// Inbox configuration
	InboxBufferSize  int           `toml:"inbox_buffer_size"`
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// Flush configuration
	FlushInterval  time.Duration `toml:"flush_interval"`
	FlushThreshold int           `toml:"flush_threshold"`

	// Stats period configuration
	PeriodDuration time.Duration `toml:"period_duration"`

	// Periods older than this are deleted on flush. Zero keeps everything.
	Retention time.Duration `toml:"retention"`
}

// DefaultConfig returns default stats collector configuration
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		InboxBufferSize:  256,
		InboxSendTimeout: 100 * time.Millisecond,
		FlushInterval:    30 * time.Second,
		FlushThreshold:   50,
		PeriodDuration:   5 * time.Minute,
		Retention:        14 * 24 * time.Hour,
	}
}

// Validate checks the collector settings. A disabled collector is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", c.InboxBufferSize)
	}
	if c.InboxSendTimeout < 0 {
		return fmt.Errorf("InboxSendTimeout must not be negative, got %v", c.InboxSendTimeout)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", c.FlushInterval)
	}
	if c.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", c.FlushThreshold)
	}
	if c.PeriodDuration <= 0 {
		return fmt.Errorf("PeriodDuration must be positive, got %v", c.PeriodDuration)
	}
	if c.Retention < 0 {
		return fmt.Errorf("Retention must not be negative, got %v", c.Retention)
	}
	if c.Retention > 0 && c.Retention < c.PeriodDuration {
		return fmt.Errorf("Retention (%v) must be at least PeriodDuration (%v)", c.Retention, c.PeriodDuration)
	}
	return nil
}
