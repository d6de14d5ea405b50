package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_String(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"bare", Info{Version: "dev"}, "erpsync dev"},
		{"release", Info{Version: "v0.4.0", Commit: "0123456789abcdef", Date: "2026-10-01T12:00:00Z"},
			"erpsync v0.4.0 (commit 0123456, built 2026-10-01T12:00:00Z)"},
		{"dirty", Info{Version: "dev", Commit: "abc1234ff", Modified: true}, "erpsync dev (commit abc1234-dirty)"},
		{"short commit", Info{Version: "dev", Commit: "abc"}, "erpsync dev (commit abc)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.String())
		})
	}
}

func TestGet(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.Version)
	assert.Equal(t, runtime.Version(), info.Go)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestShortCommit_Empty(t *testing.T) {
	assert.Empty(t, Info{Modified: true}.ShortCommit())
}
