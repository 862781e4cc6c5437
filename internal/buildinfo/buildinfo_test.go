package buildinfo

import (
	"strings"
	"testing"
)

func TestBuildInfo_HasNoUptime(t *testing.T) {
	info := BuildInfo()
	if _, ok := info["uptime"]; ok {
		t.Error("BuildInfo() should not include uptime")
	}
	for _, k := range []string{"version", "git_commit", "go_version", "os", "arch"} {
		if info[k] == "" {
			t.Errorf("BuildInfo()[%q] is empty", k)
		}
	}
}

func TestRuntimeInfo_IncludesUptime(t *testing.T) {
	if RuntimeInfo()["uptime"] == "" {
		t.Error("RuntimeInfo() missing uptime")
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "sage/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "sage/"+Version)
	}
}
