package cache

import "time"

// CacheConfig holds configuration for the caching layer.
type CacheConfig struct {
	// Enabled controls whether caching is active. When false, Layer behaves as
	// an always-empty cache and the read path goes straight to the remote.
	Enabled bool `mapstructure:"enabled"`

	// EntityTTL is the TTL for single-entity entries.
	EntityTTL time.Duration `mapstructure:"entity_ttl"`

	// SearchTTL is the TTL for search results and aggregate views.
	SearchTTL time.Duration `mapstructure:"search_ttl"`

	// MaxSize is the maximum number of entries held in memory. The durable
	// tier is unbounded.
	MaxSize int `mapstructure:"max_size"`

	// Durable controls whether entries are persisted so they survive a
	// process restart.
	Durable bool `mapstructure:"durable"`

	// SweepInterval is how often expired rows are deleted from the durable
	// tier. Zero disables the sweep.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// StaleGrace keeps expired durable entries this long past their TTL so
	// the read path can still serve them flagged stale.
	StaleGrace time.Duration `mapstructure:"stale_grace"`
}

// DefaultCacheConfig returns a CacheConfig with sensible defaults.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled:   true,
		EntityTTL: 6 * time.Hour,
		SearchTTL: 30 * time.Minute,
		MaxSize:   2000,
		Durable:   true,

		SweepInterval: time.Hour,
		StaleGrace:    7 * 24 * time.Hour,
	}
}
