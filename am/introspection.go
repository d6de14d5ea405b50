package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/erpsync/am.toml
	SourceUser        ConfigSource = "user"        // ~/.erpsync/am.toml
	SourceProject     ConfigSource = "project"     // project am.toml
	SourceEnvironment ConfigSource = "environment" // ERPSYNC_* env vars
)

// SourceOrder lists sources from lowest to highest precedence
var SourceOrder = []ConfigSource{SourceDefault, SourceSystem, SourceUser, SourceProject, SourceEnvironment}

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource // The type of config source (default, system, user, ...)
	Path   string       // File path or environment variable name
}

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// ConfigIntrospection provides metadata about the active configuration
type ConfigIntrospection struct {
	Candidates []CandidatePath `json:"candidates"`
	Settings   []SettingInfo   `json:"settings"`
}

// GetConfigIntrospection returns every effective setting with the source
// that supplied it
func GetConfigIntrospection() *ConfigIntrospection {
	sources := global.sourceMap()
	v := GetViper()
	return &ConfigIntrospection{
		Candidates: CandidatePaths(),
		Settings:   describeSettings(v.AllKeys(), v.Get, sources, os.LookupEnv),
	}
}

// EnvKey returns the environment variable overriding a dotted key
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// envNames lists the environment variables that override key.
func envNames(key string) []string {
	names := []string{EnvKey(key)}
	if alias, ok := envAliases[key]; ok {
		names = append(names, alias)
	}
	return names
}

// describeSettings attributes each key, in sorted order, to the
// environment if a non-empty override is set, else to the file that last
// supplied it, else to the defaults.
func describeSettings(keys []string, get func(string) interface{}, files map[string]SourceInfo,
	lookupEnv func(string) (string, bool)) []SettingInfo {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	out := make([]SettingInfo, 0, len(sorted))
	for _, key := range sorted {
		info, ok := files[key]
		if !ok {
			info = SourceInfo{Source: SourceDefault, Path: "built-in default"}
		}
		for _, name := range envNames(key) {
			if val, ok := lookupEnv(name); ok && val != "" {
				info = SourceInfo{Source: SourceEnvironment, Path: name}
				break
			}
		}
		out = append(out, SettingInfo{Key: key, Value: get(key), Source: info.Source, SourcePath: info.Path})
	}
	return out
}

// CountBySource returns how many settings each source supplied
func (ci *ConfigIntrospection) CountBySource() map[ConfigSource]int {
	counts := make(map[ConfigSource]int)
	for _, s := range ci.Settings {
		counts[s.Source]++
	}
	return counts
}
