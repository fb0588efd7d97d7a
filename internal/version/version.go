package version

import "strings"

// Version is set at build time via ldflags
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// GetVersion returns the version without a leading 'v'.
func GetVersion() string {
	return strings.TrimPrefix(Version, "v")
}

// GetInfo returns version information
func GetInfo() map[string]string {
	return map[string]string{
		"version":    GetVersion(),
		"git_commit": GitCommit,
		"build_time": BuildTime,
	}
}
