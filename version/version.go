// Package version reports what binary is running.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Release builds set these with
//
//	-ldflags "-X github.com/teranos/erpsync/version.Version=v0.4.0 -X ..."
//
// Plain go builds fall back to the VCS stamp in the binary.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// Info describes the running binary.
type Info struct {
	Version  string `json:"version"`
	Commit   string `json:"commit,omitempty"`
	Date     string `json:"date,omitempty"`
	Modified bool   `json:"modified,omitempty"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

// Get assembles Info from link-time variables and embedded build info.
func Get() Info {
	info := Info{
		Version:  Version,
		Commit:   Commit,
		Date:     Date,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// ShortCommit is the first 7 characters of the commit, with a "-dirty"
// suffix for builds from a modified tree.
func (i Info) ShortCommit() string {
	c := i.Commit
	if len(c) > 7 {
		c = c[:7]
	}
	if c != "" && i.Modified {
		c += "-dirty"
	}
	return c
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "erpsync %s", i.Version)
	var extra []string
	if c := i.ShortCommit(); c != "" {
		extra = append(extra, "commit "+c)
	}
	if i.Date != "" {
		extra = append(extra, "built "+i.Date)
	}
	if len(extra) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(extra, ", "))
	}
	return b.String()
}
