// Package config aggregates the configuration of every edusync package and
// overlays an optional edusync.yaml and EDUSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/edudirectory/edusync/pkg/approval"
	"github.com/edudirectory/edusync/pkg/audit"
	"github.com/edudirectory/edusync/pkg/cache"
	"github.com/edudirectory/edusync/pkg/cascade"
	"github.com/edudirectory/edusync/pkg/ha"
	"github.com/edudirectory/edusync/pkg/hybrid"
	"github.com/edudirectory/edusync/pkg/jobs"
	"github.com/edudirectory/edusync/pkg/notify"
	"github.com/edudirectory/edusync/pkg/submissions"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "EDUSYNC"

// Config aggregates configuration for the application.
// Each field is owned by its respective package.
type Config struct {
	Server      ServerConfig        `mapstructure:"server"`
	Database    DatabaseConfig      `mapstructure:"database"`
	Remote      RemoteConfig        `mapstructure:"remote"`
	Fallback    FallbackConfig      `mapstructure:"fallback"`
	Cache       cache.CacheConfig   `mapstructure:"cache"`
	Hybrid      hybrid.HybridConfig `mapstructure:"hybrid"`
	Approval    approval.Config     `mapstructure:"approval"`
	Submissions submissions.Config  `mapstructure:"submissions"`
	Jobs        jobs.JobConfig      `mapstructure:"jobs"`
	Cascade     cascade.Config      `mapstructure:"cascade"`
	Notify      notify.Config       `mapstructure:"notify"`
	Audit       audit.AuditConfig   `mapstructure:"audit"`
	HA          ha.HAConfig         `mapstructure:"ha"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the gorm driver and connection.
type DatabaseConfig struct {
	// Driver is one of sqlite, postgres or mysql.
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RemoteConfig points at the authoritative remote store. An empty URL
// serves records from the local database instead.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// FallbackConfig locates the bundled snapshot. An empty path uses the
// snapshot compiled into the binary.
type FallbackConfig struct {
	SnapshotPath string `mapstructure:"snapshot_path"`
}

// Default returns the configuration with every package default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigins:     []string{"*"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "edusync.db",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Remote:      RemoteConfig{Timeout: 10 * time.Second},
		Cache:       *cache.DefaultCacheConfig(),
		Hybrid:      *hybrid.DefaultHybridConfig(),
		Approval:    *approval.DefaultConfig(),
		Submissions: *submissions.DefaultConfig(),
		Jobs:        *jobs.DefaultJobConfig(),
		Cascade:     *cascade.DefaultConfig(),
		Notify:      *notify.DefaultConfig(),
		Audit:       *audit.DefaultAuditConfig(),
		HA:          *ha.DefaultHAConfig(),
	}
}

// Load reads configuration from a file and environment variables. With an
// empty path, edusync.yaml in the working directory is used when present.
// Environment variables use the prefix "EDUSYNC" and the dot character in
// keys is replaced by an underscore. For example, "jobs.batch_size" becomes
// "EDUSYNC_JOBS_BATCH_SIZE". List values in the environment are comma
// separated.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("edusync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := splitEnvLists(v); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	if c.Jobs.BatchSize <= 0 {
		return fmt.Errorf("jobs.batch_size: must be positive, got %d", c.Jobs.BatchSize)
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("jobs.max_attempts: must be positive, got %d", c.Jobs.MaxAttempts)
	}
	if c.Hybrid.RemoteTimeout <= 0 {
		return fmt.Errorf("hybrid.remote_timeout: must be positive, got %s", c.Hybrid.RemoteTimeout)
	}
	if (c.Jobs.WindowStart == "") != (c.Jobs.WindowEnd == "") {
		return errors.New("jobs.window_start and jobs.window_end must be set together")
	}
	return nil
}

var (
	stringListKeys = []string{"server.cors_origins", "hybrid.entity_types"}
	intListKeys    = []string{"notify.lead_days"}
)

// splitEnvLists turns comma-separated environment values into the lists the
// target fields expect. Values that came from the config file are already
// lists and are left alone.
func splitEnvLists(v *viper.Viper) error {
	for _, key := range stringListKeys {
		if s, ok := v.Get(key).(string); ok {
			v.Set(key, splitList(s))
		}
	}
	for _, key := range intListKeys {
		s, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		var out []int
		for _, part := range splitList(s) {
			n, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", key, part)
			}
			out = append(out, n)
		}
		v.Set(key, out)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(slices.Clone(parts), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
