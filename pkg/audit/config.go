package audit

// AuditConfig controls the operator-request middleware. Decision records
// written by the pipeline itself are not optional.
type AuditConfig struct {
	Enabled   bool `mapstructure:"enabled"`    // Whether operator requests are recorded
	LogDenied bool `mapstructure:"log_denied"` // Whether 401/403 responses are recorded
}

// DefaultAuditConfig returns the default configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		LogDenied: true,
		Enabled:   true,
	}
}
