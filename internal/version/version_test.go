package version

import (
	"testing"
)

func TestGetVersion(t *testing.T) {
	// Test that GetVersion strips the 'v' prefix
	tests := []struct {
		version  string
		expected string
	}{
		{"v1.0.0", "1.0.0"},
		{"v0.1.0", "0.1.0"},
		{"1.0.0", "1.0.0"},
		{"latest", "latest"},
		{"dev", "dev"},
	}

	for _, tt := range tests {
		originalVersion := Version
		Version = tt.version

		result := GetVersion()
		if result != tt.expected {
			t.Errorf("GetVersion() with Version=%q = %q, want %q", tt.version, result, tt.expected)
		}

		Version = originalVersion
	}
}

func TestGetInfo(t *testing.T) {
	originalVersion := Version
	originalCommit := GitCommit
	originalBuildTime := BuildTime

	Version = "v1.2.3"
	GitCommit = "abc123"
	BuildTime = "2024-01-15T10:00:00Z"

	defer func() {
		Version = originalVersion
		GitCommit = originalCommit
		BuildTime = originalBuildTime
	}()

	info := GetInfo()

	if info["version"] != "1.2.3" {
		t.Errorf("GetInfo()[version] = %q, want %q", info["version"], "1.2.3")
	}
	if info["git_commit"] != "abc123" {
		t.Errorf("GetInfo()[git_commit] = %q, want %q", info["git_commit"], "abc123")
	}
	if info["build_time"] != "2024-01-15T10:00:00Z" {
		t.Errorf("GetInfo()[build_time] = %q, want %q", info["build_time"], "2024-01-15T10:00:00Z")
	}
}

func TestVersionVariables(t *testing.T) {
	// Defaults are placeholders, never empty
	if Version == "" {
		t.Error("Version should not be empty")
	}
	if GitCommit == "" {
		t.Error("GitCommit should not be empty (can be 'unknown')")
	}
	if BuildTime == "" {
		t.Error("BuildTime should not be empty (can be 'unknown')")
	}
}
