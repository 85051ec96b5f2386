package syncer

import (
	"fmt"
	"time"
)

// Config defines how often and how aggressively the coordinator syncs
type Config struct {
	// Background schedule
	Interval   time.Duration `toml:"interval"`
	RunOnStart bool          `toml:"run_on_start"`
	Direction  Direction     `toml:"direction"`

	// Push batching
	BatchSize            int `toml:"batch_size"`
	MaxBatchesPerSession int `toml:"max_batches_per_session"`

	// Pull paging
	PullLimit    int `toml:"pull_limit"`
	MaxPullPages int `toml:"max_pull_pages"`

	// Retry policy. A record that has been transmitted MaxAttempts times
	// without an answer is marked failed and only retried by an explicit
	// sync. Retries re-run a failed call within one session.
	MaxAttempts int           `toml:"max_attempts"`
	Retries     int           `toml:"retries"`
	BaseDelay   time.Duration `toml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay"`
	Jitter      float64       `toml:"jitter"`

	// Wall-clock budget for a whole session
	SessionTimeout time.Duration `toml:"session_timeout"`

	// Completed sessions kept for reporting
	HistorySize int `toml:"history_size"`
}

// DefaultConfig returns defaults suited to a store terminal on a flaky link
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		RunOnStart:           true,
		Direction:            DirectionBoth,
		BatchSize:            100,
		MaxBatchesPerSession: 50,
		PullLimit:            200,
		MaxPullPages:         50,
		MaxAttempts:          8,
		Retries:              3,
		BaseDelay:            500 * time.Millisecond,
		MaxDelay:             30 * time.Second,
		Jitter:               0.2,
		SessionTimeout:       2 * time.Minute,
		HistorySize:          20,
	}
}

// validateConfig validates coordinator configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.Interval <= 0 {
		return fmt.Errorf("Interval must be positive, got %v", config.Interval)
	}

	if !config.Direction.Valid() {
		return fmt.Errorf("Direction must be push, pull or both, got %q", config.Direction)
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", config.BatchSize)
	}

	if config.MaxBatchesPerSession <= 0 {
		return fmt.Errorf("MaxBatchesPerSession must be positive, got %d", config.MaxBatchesPerSession)
	}

	if config.PullLimit <= 0 {
		return fmt.Errorf("PullLimit must be positive, got %d", config.PullLimit)
	}

	if config.MaxPullPages <= 0 {
		return fmt.Errorf("MaxPullPages must be positive, got %d", config.MaxPullPages)
	}

	if config.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", config.MaxAttempts)
	}

	if config.Retries < 0 {
		return fmt.Errorf("Retries must not be negative, got %d", config.Retries)
	}

	if config.BaseDelay <= 0 {
		return fmt.Errorf("BaseDelay must be positive, got %v", config.BaseDelay)
	}

	if config.MaxDelay < config.BaseDelay {
		return fmt.Errorf("MaxDelay (%v) must not be less than BaseDelay (%v)", config.MaxDelay, config.BaseDelay)
	}

	if config.Jitter < 0 || config.Jitter > 1 {
		return fmt.Errorf("Jitter must be between 0 and 1, got %v", config.Jitter)
	}

	if config.SessionTimeout <= 0 {
		return fmt.Errorf("SessionTimeout must be positive, got %v", config.SessionTimeout)
	}

	if config.HistorySize <= 0 {
		return fmt.Errorf("HistorySize must be positive, got %d", config.HistorySize)
	}

	return nil
}

// Validate exposes the coordinator checks to the config loader.
func (c Config) Validate() error {
	return validateConfig(c)
}
