package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/erpsync/errors"
)

func TestConfigWatcher_Reload(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[pulse]\nmax_concurrent_jobs = 2\n")

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }

	var got []int
	var failing int
	cw.OnReload(func(c *Config) error {
		failing++
		return errors.New("first callback fails")
	})
	cw.OnReload(func(c *Config) error {
		got = append(got, c.Pulse.MaxConcurrentJobs)
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_jobs = 6\n"), DefaultFilePermissions))
	require.NoError(t, cw.reload())

	assert.Equal(t, 1, failing)
	assert.Equal(t, []int{6}, got, "later callbacks run after an earlier one fails")
}

func TestConfigWatcher_RejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[pulse]\nmax_retries = 3\n")

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }

	called := false
	cw.OnReload(func(*Config) error {
		called = true
		return nil
	})

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_retries = 99\n"), DefaultFilePermissions))
	err = cw.reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
	assert.False(t, called)
}

func TestConfigWatcher_DetectsWrite(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "[batch]\nmax_concurrent_jobs = 1\n")

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }
	cw.debounce = 10 * time.Millisecond

	reloaded := make(chan int, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c.Batch.MaxConcurrentJobs
		return nil
	})
	cw.Start()

	require.NoError(t, os.WriteFile(path, []byte("[batch]\nmax_concurrent_jobs = 4\n"), DefaultFilePermissions))

	select {
	case n := <-reloaded:
		assert.Equal(t, 4, n)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload after write")
	}
}

func TestConfigWatcher_SkipsUnchangedContent(t *testing.T) {
	body := "[pulse]\nmax_concurrent_jobs = 2\n"
	path := writeConfig(t, t.TempDir(), body)

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()
	loads := 0
	cw.loader = func() (*Config, error) {
		loads++
		return LoadFromFile(path)
	}

	require.NoError(t, os.WriteFile(path, []byte(body), DefaultFilePermissions))
	require.NoError(t, cw.reload())
	assert.Zero(t, loads, "touching the file without changing it does not reload")

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_jobs = 3\n"), DefaultFilePermissions))
	require.NoError(t, cw.reload())
	require.NoError(t, cw.reload())
	assert.Equal(t, 1, loads)
}

func TestConfigWatcher_DetectsRenameOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "[batch]\nmax_concurrent_jobs = 1\n")

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()
	cw.loader = func() (*Config, error) { return LoadFromFile(path) }
	cw.debounce = 10 * time.Millisecond

	reloaded := make(chan int, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c.Batch.MaxConcurrentJobs
		return nil
	})
	cw.Start()

	// how editors that write a temp file and rename it save
	tmp := filepath.Join(dir, ".am.toml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("[batch]\nmax_concurrent_jobs = 7\n"), DefaultFilePermissions))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case n := <-reloaded:
		assert.Equal(t, 7, n)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload after rename")
	}
}

func TestConfigWatcher_StopTwice(t *testing.T) {
	cw, err := NewConfigWatcher(writeConfig(t, t.TempDir(), ""))
	require.NoError(t, err)
	cw.Start()
	require.NoError(t, cw.Stop())
	assert.NoError(t, cw.Stop())
}

func TestNewConfigWatcher_MissingFile(t *testing.T) {
	_, err := NewConfigWatcher("/nonexistent/erpsync/am.toml")
	assert.Error(t, err)
}
