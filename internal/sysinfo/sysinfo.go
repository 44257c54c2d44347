// Package sysinfo reports what build and host a node is running on.
package sysinfo

import (
	"os"
	"runtime"
	"time"
)

var (
	// Version is the node version, set at build time via ldflags.
	// Example: go build -ldflags="-X github.com/postalsys/onionmesh/internal/sysinfo.Version=1.0.0"
	Version = "dev"

	startTime = time.Now()
)

// Info describes the running process.
type Info struct {
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
	StartTime int64  `json:"start_time"`
	Uptime    string `json:"uptime"`
}

// Collect gathers the current process information.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Version:   Version,
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		StartTime: startTime.Unix(),
		Uptime:    Uptime().Truncate(time.Second).String(),
	}
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
