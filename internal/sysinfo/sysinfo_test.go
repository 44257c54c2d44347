package sysinfo

import (
	"runtime"
	"testing"
)

func TestCollect(t *testing.T) {
	info := Collect()

	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("platform = %s/%s, want %s/%s", info.OS, info.Arch, runtime.GOOS, runtime.GOARCH)
	}
	if info.StartTime == 0 {
		t.Error("StartTime should be set")
	}
	if info.Uptime == "" {
		t.Error("Uptime should be set")
	}
}

func TestUptime_Increases(t *testing.T) {
	first := Uptime()
	second := Uptime()
	if second < first {
		t.Errorf("Uptime went backwards: %v then %v", first, second)
	}
}
