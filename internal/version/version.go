// Package version holds build information for the capgate binaries. Release
// builds inject the values with -ldflags:
//
// -X github.com/closeup/capgate/internal/version.Version=v1.2.0
// -X github.com/closeup/capgate/internal/version.Commit=abc1234
// -X github.com/closeup/capgate/internal/version.Date=2026-10-01T00:00:00Z
package version

import "fmt"

// Set at link time; local builds keep the dev values.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns e.g. "v1.2.0 (commit abc1234, built 2026-10-01T00:00:00Z)".
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns the version tag only.
func Short() string {
	return Version
}

// UserAgent is sent on upstream calls.
func UserAgent() string {
	return "capgate/" + Version
}
