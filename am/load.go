package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/erpsync/errors"
)

// EnvPrefix prefixes every environment override (ERPSYNC_PULSE_MAX_RETRIES).
const EnvPrefix = "ERPSYNC"

// ConfigFileName is the name searched for at every level of the cascade.
const ConfigFileName = "am.toml"

// cascade is the process-wide configuration: one viper instance over
// defaults, the candidate files and the environment, the Config decoded
// from it, and the file that supplied each key.
type cascade struct {
	mu      sync.Mutex
	v       *viper.Viper
	cfg     *Config
	sources map[string]SourceInfo
}

var global cascade

// Load returns the process configuration, building it on first use. Later
// calls return the same *Config until Reset.
func Load() (*Config, error) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.cfg != nil {
		return global.cfg, nil
	}
	cfg, err := LoadWithViper(global.viperLocked())
	if err != nil {
		return nil, err
	}
	global.cfg = cfg
	return cfg, nil
}

// GetViper returns the viper instance behind Load.
func GetViper() *viper.Viper {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.viperLocked()
}

// Get returns a value by dotted key, e.g. "pulse.max_retries".
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// Reset drops the cached configuration so the next Load reads everything
// again. The config watcher calls it before reloading.
func Reset() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.v, global.cfg, global.sources = nil, nil, nil
}

// LoadWithViper decodes a Config from v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return &cfg, nil
}

// LoadFromFile reads one config file over the defaults, ignoring the
// cascade and the environment.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", path)
	}
	return cfg, nil
}

func (c *cascade) viperLocked() *viper.Viper {
	if c.v != nil {
		return c.v
	}
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	c.sources = mergeConfigFiles(v, CandidatePaths())
	c.v = v
	return v
}

func (c *cascade) sourceMap() map[string]SourceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viperLocked()
	return c.sources
}

// CandidatePath is one file in the configuration cascade
type CandidatePath struct {
	Source ConfigSource `json:"source"`
	Path   string       `json:"path"`
	Exists bool         `json:"exists"`
}

// CandidatePaths lists the cascade files from lowest to highest
// precedence. The project file is the nearest am.toml at or above the
// working directory.
func CandidatePaths() []CandidatePath {
	paths := []CandidatePath{
		{Source: SourceSystem, Path: filepath.Join("/etc/erpsync", ConfigFileName)},
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, CandidatePath{Source: SourceUser, Path: filepath.Join(home, ".erpsync", ConfigFileName)})
	}
	if wd, err := os.Getwd(); err == nil {
		if project := findUpward(wd, ConfigFileName); project != "" {
			paths = append(paths, CandidatePath{Source: SourceProject, Path: project})
		}
	}
	for i := range paths {
		_, err := os.Stat(paths[i].Path)
		paths[i].Exists = err == nil
	}
	return paths
}

func findUpward(dir, name string) string {
	for {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges the existing candidates into v's config layer
// in order, so later files win and the environment still wins over all of
// them. It returns the file each key was last taken from. Unreadable files
// are skipped.
func mergeConfigFiles(v *viper.Viper, paths []CandidatePath) map[string]SourceInfo {
	sources := make(map[string]SourceInfo)
	v.SetConfigType("toml")
	for _, c := range paths {
		if !c.Exists {
			continue
		}
		keys := viper.New()
		keys.SetConfigFile(c.Path)
		keys.SetConfigType("toml")
		if err := keys.ReadInConfig(); err != nil {
			continue
		}
		v.SetConfigFile(c.Path)
		if err := v.MergeInConfig(); err != nil {
			continue
		}
		for _, key := range keys.AllKeys() {
			sources[key] = SourceInfo{Source: c.Source, Path: c.Path}
		}
	}
	return sources
}
