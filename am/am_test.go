package am

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), DefaultFilePermissions))
	return path
}

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultDataDir, cfg.Storage.DataDir)
	assert.Equal(t, 300, cfg.Extraction.TimeoutSeconds)
	assert.Equal(t, 10, cfg.Extraction.ProbeTimeoutSeconds)
	assert.Equal(t, 500, cfg.Extraction.PageSize)
	assert.Equal(t, 5, cfg.Batch.Workers)
	assert.Equal(t, 3, cfg.Batch.MaxConcurrentJobs)
	assert.Equal(t, 1000, cfg.Batch.BatchSize)
	assert.Equal(t, 100, cfg.Batch.CheckpointInterval)
	assert.Equal(t, 5, cfg.Sync.OverlapMinutes)
	assert.Equal(t, "0.01", cfg.Reconcile.AbsoluteTolerance)
	assert.Equal(t, "0.001", cfg.Reconcile.RelativeTolerance)
	assert.False(t, cfg.Reconcile.AutoCorrect)
	assert.True(t, cfg.Reconcile.ReportsEnabled)
	assert.Equal(t, 30, cfg.Pulse.TickerIntervalSeconds)
	assert.Equal(t, 10, cfg.Pulse.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.Pulse.MaxRetries)
	assert.Equal(t, 30, cfg.Pulse.RetentionDays)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsAddress, cfg.Metrics.Address)
	assert.Empty(t, cfg.Sources)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[database]
path = "/var/lib/erpsync/erp.db"

[batch]
workers = 8

[pulse]
max_concurrent_jobs = 4

[sources.fakturownia]
type = "jsonfile"
path = "/srv/exports/fakturownia"
requests_per_second = 2.5

[sources.demo]
type = "memory"
records = 250
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/erpsync/erp.db", cfg.GetDatabasePath())
	assert.Equal(t, 8, cfg.Batch.Workers)
	assert.Equal(t, 1000, cfg.Batch.BatchSize, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Pulse.MaxConcurrentJobs)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, SourceKindJSONFile, cfg.Sources["fakturownia"].Type)
	assert.Equal(t, "/srv/exports/fakturownia", cfg.Sources["fakturownia"].Path)
	assert.InDelta(t, 2.5, cfg.Sources["fakturownia"].RequestsPerSecond, 1e-9)
	assert.Equal(t, 250, cfg.Sources["demo"].Records)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"negative timeout", func(c *Config) { c.Extraction.TimeoutSeconds = -1 }, "extraction.timeout_seconds"},
		{"negative page size", func(c *Config) { c.Extraction.PageSize = -5 }, "extraction.page_size"},
		{"negative workers", func(c *Config) { c.Batch.Workers = -1 }, "batch.workers"},
		{"negative batch size", func(c *Config) { c.Batch.BatchSize = -1 }, "batch.batch_size"},
		{"negative overlap", func(c *Config) { c.Sync.OverlapMinutes = -1 }, "sync.overlap_minutes"},
		{"bad tolerance", func(c *Config) { c.Reconcile.AbsoluteTolerance = "one cent" }, "reconcile.absolute_tolerance"},
		{"negative tolerance", func(c *Config) { c.Reconcile.RelativeTolerance = "-0.1" }, "reconcile.relative_tolerance"},
		{"too many retries", func(c *Config) { c.Pulse.MaxRetries = 21 }, "pulse.max_retries"},
		{"retry base over max", func(c *Config) { c.Pulse.RetryBaseSeconds = 900 }, "retry_base_seconds"},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Address = ""
		}, "metrics.address"},
		{"jsonfile without path", func(c *Config) {
			c.Sources = map[string]SourceConfig{"erp": {Type: SourceKindJSONFile}}
		}, "sources.erp.path"},
		{"unknown source type", func(c *Config) {
			c.Sources = map[string]SourceConfig{"erp": {Type: "soap"}}
		}, "sources.erp.type"},
		{"negative source rate", func(c *Config) {
			c.Sources = map[string]SourceConfig{"erp": {Type: SourceKindMemory, RequestsPerSecond: -1}}
		}, "sources.erp.requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_ZeroValues(t *testing.T) {
	// zero means "use the component default"
	var cfg Config
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultDatabasePath, cfg.GetDatabasePath())
	assert.Equal(t, DefaultDataDir, cfg.GetDataDir())
	assert.Equal(t, filepath.Join(DefaultDataDir, "checkpoints"), cfg.DocDir("checkpoints"))
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, root, "[batch]\nworkers = 2\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, DefaultDirPermissions))

	found := findUpward(nested, ConfigFileName)
	// TempDir may sit behind a symlink (macOS /var -> /private/var)
	wantInfo, err := os.Stat(path)
	require.NoError(t, err)
	gotInfo, err := os.Stat(found)
	require.NoError(t, err)
	assert.True(t, os.SameFile(wantInfo, gotInfo))
}

func TestMergeConfigFiles_TracksSources(t *testing.T) {
	userDir, projectDir := t.TempDir(), t.TempDir()
	userPath := writeConfig(t, userDir, "[batch]\nworkers = 2\nbatch_size = 50\n")
	projectPath := writeConfig(t, projectDir, "[batch]\nworkers = 9\n")

	v := viper.New()
	SetDefaults(v)
	sources := mergeConfigFiles(v, []CandidatePath{
		{Source: SourceSystem, Path: "/nonexistent/am.toml", Exists: false},
		{Source: SourceUser, Path: userPath, Exists: true},
		{Source: SourceProject, Path: projectPath, Exists: true},
	})

	assert.Equal(t, 9, v.GetInt("batch.workers"), "project overrides user")
	assert.Equal(t, 50, v.GetInt("batch.batch_size"))
	assert.Equal(t, SourceInfo{Source: SourceProject, Path: projectPath}, sources["batch.workers"])
	assert.Equal(t, SourceInfo{Source: SourceUser, Path: userPath}, sources["batch.batch_size"])
	_, tracked := sources["pulse.max_retries"]
	assert.False(t, tracked, "defaults are not tracked")
}

func TestMergeConfigFiles_EnvironmentWins(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[batch]\nworkers = 9\n")
	t.Setenv("ERPSYNC_BATCH_WORKERS", "11")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	mergeConfigFiles(v, []CandidatePath{{Source: SourceProject, Path: path, Exists: true}})

	assert.Equal(t, 11, v.GetInt("batch.workers"))
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("ERPSYNC_PULSE_MAX_RETRIES", "7")
	t.Setenv("ERPSYNC_DATA_DIR", "/tmp/erpsync-docs")
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pulse.MaxRetries)
	assert.Equal(t, "/tmp/erpsync-docs", cfg.GetDataDir())
	assert.Equal(t, 7, GetViper().GetInt("pulse.max_retries"))

	again, err := Load()
	require.NoError(t, err)
	assert.Same(t, cfg, again, "Load caches until Reset")
}
