package am

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "ERPSYNC_PULSE_MAX_RETRIES", EnvKey("pulse.max_retries"))
	assert.Equal(t, "ERPSYNC_DATABASE_PATH", EnvKey("database.path"))
}

func TestDescribeSettings(t *testing.T) {
	values := map[string]interface{}{
		"batch.workers":     9,
		"batch.batch_size":  1000,
		"pulse.max_retries": "5",
		"storage.data_dir":  "/srv/erpsync",
	}
	files := map[string]SourceInfo{
		"batch.workers":     {Source: SourceProject, Path: "/work/am.toml"},
		"pulse.max_retries": {Source: SourceUser, Path: "/home/u/.erpsync/am.toml"},
	}
	env := map[string]string{
		"ERPSYNC_PULSE_MAX_RETRIES": "5",
		"ERPSYNC_DATA_DIR":          "/srv/erpsync",
		"ERPSYNC_BATCH_BATCH_SIZE":  "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	keys := []string{"storage.data_dir", "pulse.max_retries", "batch.workers", "batch.batch_size"}

	settings := describeSettings(keys, func(k string) interface{} { return values[k] }, files, lookup)
	require.Len(t, settings, 4)

	want := []SettingInfo{
		{Key: "batch.batch_size", Value: 1000, Source: SourceDefault, SourcePath: "built-in default"},
		{Key: "batch.workers", Value: 9, Source: SourceProject, SourcePath: "/work/am.toml"},
		{Key: "pulse.max_retries", Value: "5", Source: SourceEnvironment, SourcePath: "ERPSYNC_PULSE_MAX_RETRIES"},
		{Key: "storage.data_dir", Value: "/srv/erpsync", Source: SourceEnvironment, SourcePath: "ERPSYNC_DATA_DIR"},
	}
	assert.Equal(t, want, settings)
	assert.Equal(t, []string{"storage.data_dir"}, keys[:1], "input is not reordered")

	counts := (&ConfigIntrospection{Settings: settings}).CountBySource()
	assert.Equal(t, map[ConfigSource]int{SourceDefault: 1, SourceProject: 1, SourceEnvironment: 2}, counts)
}

func TestGetConfigIntrospection(t *testing.T) {
	t.Setenv("ERPSYNC_BATCH_WORKERS", "12")
	Reset()
	t.Cleanup(Reset)

	intro := GetConfigIntrospection()
	require.NotEmpty(t, intro.Settings)

	byKey := make(map[string]SettingInfo, len(intro.Settings))
	for _, s := range intro.Settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceEnvironment, byKey["batch.workers"].Source)
	assert.Contains(t, byKey, "pulse.retention_days")
	assert.GreaterOrEqual(t, len(intro.Candidates), 2, "system and user paths are always listed")
}
