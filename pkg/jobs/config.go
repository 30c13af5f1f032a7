package jobs

import (
	"fmt"
	"time"
)

// JobConfig controls the batch scheduler.
type JobConfig struct {
	Enabled         bool          `mapstructure:"enabled"`          // Whether the timer trigger runs. Default true.
	BatchSize       int           `mapstructure:"batch_size"`       // Max jobs claimed per batch. Default 10.
	Interval        time.Duration `mapstructure:"interval"`         // Timer trigger period. Default 30m.
	Concurrency     int           `mapstructure:"concurrency"`      // Jobs applied in parallel within a batch. Default 1.
	MaxAttempts     int           `mapstructure:"max_attempts"`     // Attempts before a job fails. Default 3.
	BaseBackoff     time.Duration `mapstructure:"base_backoff"`     // Delay before the first retry. Default 1m.
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`      // Retry delay cap. Default 30m.
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`  // Per-attempt deadline. Default 60s.
	ClaimTimeout    time.Duration `mapstructure:"claim_timeout"`    // Max time in "processing" before considered stuck. Default 10m.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"` // Stuck-job and history sweep period. Default 1m.
	HistoryLimit    int           `mapstructure:"history_limit"`    // Terminal jobs kept. Default 500.
	WindowStart     string        `mapstructure:"window_start"`     // Preferred window start, HH:MM local. Empty means always.
	WindowEnd       string        `mapstructure:"window_end"`       // Preferred window end, HH:MM local.
}

// DefaultJobConfig returns the default scheduler configuration.
func DefaultJobConfig() *JobConfig {
	return &JobConfig{
		Enabled:         true,
		BatchSize:       10,
		Interval:        30 * time.Minute,
		Concurrency:     1,
		MaxAttempts:     3,
		BaseBackoff:     time.Minute,
		MaxBackoff:      30 * time.Minute,
		AttemptTimeout:  60 * time.Second,
		ClaimTimeout:    10 * time.Minute,
		CleanupInterval: time.Minute,
		HistoryLimit:    500,
	}
}

// Validate checks the configuration.
func (c *JobConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if (c.WindowStart == "") != (c.WindowEnd == "") {
		return fmt.Errorf("window_start and window_end must be set together")
	}
	if c.WindowStart != "" {
		if _, err := parseClock(c.WindowStart); err != nil {
			return fmt.Errorf("window_start: %w", err)
		}
		if _, err := parseClock(c.WindowEnd); err != nil {
			return fmt.Errorf("window_end: %w", err)
		}
	}
	return nil
}

// Backoff returns the delay before the retry that follows the given
// attempt: BaseBackoff * 2^(attempt-1), capped at MaxBackoff.
func (c *JobConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if c.MaxBackoff > 0 && d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// InWindow reports whether t falls in the preferred processing window.
// The window may wrap midnight. An unset or empty window is always open.
func (c *JobConfig) InWindow(t time.Time) bool {
	if c.WindowStart == "" || c.WindowEnd == "" {
		return true
	}
	start, err := parseClock(c.WindowStart)
	if err != nil {
		return true
	}
	end, err := parseClock(c.WindowEnd)
	if err != nil {
		return true
	}
	if start == end {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// parseClock parses HH:MM into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
