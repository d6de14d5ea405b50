package am

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// Default locations
const (
	DefaultDatabasePath   = "erpsync.db"
	DefaultDataDir        = ".erpsync"
	DefaultMetricsAddress = ":9464"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("storage.data_dir", DefaultDataDir)

	v.SetDefault("extraction.timeout_seconds", 300)
	v.SetDefault("extraction.probe_timeout_seconds", 10)
	v.SetDefault("extraction.page_size", 500)
	v.SetDefault("extraction.requests_per_second", 0) // unthrottled
	v.SetDefault("extraction.burst", 1)

	v.SetDefault("batch.workers", 5)
	v.SetDefault("batch.max_concurrent_jobs", 3)
	v.SetDefault("batch.batch_size", 1000)
	v.SetDefault("batch.checkpoint_interval", 100)
	v.SetDefault("batch.retry_attempts", 2)

	v.SetDefault("sync.overlap_minutes", 5)
	v.SetDefault("sync.page_size", 0)

	v.SetDefault("reconcile.absolute_tolerance", "0.01")
	v.SetDefault("reconcile.relative_tolerance", "0.001")
	v.SetDefault("reconcile.auto_correct", false)
	v.SetDefault("reconcile.reports_enabled", true)

	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.max_concurrent_jobs", 10)
	v.SetDefault("pulse.retry_base_seconds", 30)
	v.SetDefault("pulse.retry_max_seconds", 600)
	v.SetDefault("pulse.max_retries", 3)
	v.SetDefault("pulse.dependency_delay_seconds", 60)
	v.SetDefault("pulse.retention_days", 30)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", DefaultMetricsAddress)

	v.SetDefault("log.level", "")
}

// envAliases are short environment names accepted alongside the derived
// ERPSYNC_<SECTION>_<KEY> form for settings deployments commonly override.
var envAliases = map[string]string{
	"storage.data_dir": "ERPSYNC_DATA_DIR",
}

// BindSensitiveEnvVars binds the derived and alias environment names of
// the aliased keys, so either form overrides them.
func BindSensitiveEnvVars(v *viper.Viper) {
	for key, alias := range envAliases {
		_ = v.BindEnv(key, EnvKey(key), alias)
	}
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetDataDir returns the configured document directory
func (c *Config) GetDataDir() string {
	if c.Storage.DataDir == "" {
		return DefaultDataDir
	}
	return c.Storage.DataDir
}

// DocDir returns the directory of one document kind (checkpoints, jobs, ...)
func (c *Config) DocDir(kind string) string {
	return filepath.Join(c.GetDataDir(), kind)
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, DataDir: %s, Sources: %d, Pulse: {MaxConcurrentJobs: %d}}",
		c.GetDatabasePath(), c.GetDataDir(), len(c.Sources), c.Pulse.MaxConcurrentJobs)
}
