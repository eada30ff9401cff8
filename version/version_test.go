package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePrefersLinkerValues(t *testing.T) {
	Version, Commit, BuildTime = "v0.4.0", "0123456789abcdef", "2026-10-01T12:00:00Z"
	defer func() { Version, Commit, BuildTime = "", "", "" }()

	bi := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "ffffffffffff"},
		{Key: "vcs.time", Value: "2020-01-01T00:00:00Z"},
	}}
	info := resolve(bi)
	assert.Equal(t, "v0.4.0", info.Version)
	assert.Equal(t, "0123456", info.Short())
	assert.Equal(t, "quill v0.4.0 (0123456, 2026-10-01T12:00:00Z)", info.String())
}

func TestResolveFallsBackToVCSStamps(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc1234def"},
			{Key: "vcs.time", Value: "2026-09-30T08:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	info := resolve(bi)
	assert.Equal(t, "dev", info.Version, "(devel) is not a version")
	assert.Equal(t, "abc1234def", info.Commit)
	assert.True(t, info.Dirty)
	assert.Equal(t, "quill dev (abc1234-dirty, 2026-09-30T08:00:00Z)", info.String())
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	info := resolve(nil)
	assert.Equal(t, "dev", info.Version)
	assert.Equal(t, "dev", info.Short(), "no commit falls back to the version")
	assert.Equal(t, unknown, info.BuildTime)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "quill/"))
}
