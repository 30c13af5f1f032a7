package hybrid

import (
	"time"

	"github.com/edudirectory/edusync/pkg/records"
)

// HybridConfig holds configuration for the read orchestrator.
type HybridConfig struct {
	// RemoteTimeout bounds every remote fetch before the read falls back.
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	// RefreshInterval is the minimum time between two unforced refreshes of
	// the same entity type.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// EntityTypes are the types refreshed when Refresh is asked for all.
	EntityTypes []string `mapstructure:"entity_types"`
}

// DefaultHybridConfig returns a HybridConfig with sensible defaults.
func DefaultHybridConfig() *HybridConfig {
	return &HybridConfig{
		RemoteTimeout:   8 * time.Second,
		RefreshInterval: 30 * time.Second,
		EntityTypes: []string{
			records.EntityUniversity,
			records.EntityProgram,
			records.EntityDeadline,
			records.EntityTest,
		},
	}
}
