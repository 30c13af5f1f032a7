// Package ha coordinates edusync replicas that share one database: a
// migration lock around schema changes and a lease that picks the single
// replica allowed to run the batch scheduler.
package ha

import (
	"os"
	"time"
)

// HAConfig holds configuration for high-availability features.
type HAConfig struct {
	// LeaderElectionEnabled gates the scheduler behind a database lease.
	// When false every replica behaves as leader.
	LeaderElectionEnabled bool `mapstructure:"leader_election_enabled"`

	// LeaseName identifies the lease row shared by all replicas.
	LeaseName string `mapstructure:"lease_name"`

	// LeaseDuration is how long a lease stays valid without renewal.
	LeaseDuration time.Duration `mapstructure:"lease_duration"`

	// RetryPeriod is the interval between acquire and renew attempts.
	RetryPeriod time.Duration `mapstructure:"retry_period"`

	// Identity is the holder name written to the lease and lock rows.
	Identity string `mapstructure:"identity"`

	// MigrationLockEnabled serializes AutoMigrate across replicas.
	MigrationLockEnabled bool `mapstructure:"migration_lock_enabled"`

	// MigrationLockRetries bounds attempts on the table-based lock.
	MigrationLockRetries int `mapstructure:"migration_lock_retries"`
}

// DefaultHAConfig returns an HAConfig with sensible defaults.
func DefaultHAConfig() *HAConfig {
	return &HAConfig{
		LeaderElectionEnabled: false,
		LeaseName:             "edusync-scheduler",
		LeaseDuration:         15 * time.Second,
		RetryPeriod:           2 * time.Second,
		Identity:              defaultIdentity(),
		MigrationLockEnabled:  true,
		MigrationLockRetries:  30,
	}
}

func defaultIdentity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "edusync-unknown"
	}
	return hostname
}
