// Package version provides build version information for patchpilot.
// These variables are set at build time via ldflags.
package version

import "fmt"

// Build information variables.
// Example: go build -ldflags "-X patchpilot/pkg/version.Version=v1.2.3".
//
//nolint:gochecknoglobals // These must be package-level vars for ldflags injection.
var (
	// Version is the semantic version (e.g., "v1.2.3" or "dev" for development builds).
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// Info is the build metadata served by the API and printed by the CLI.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{Version: Version, Commit: Commit, Date: Date}
}

func (i Info) String() string {
	return fmt.Sprintf("patchpilot %s (commit %s, built %s)", i.Version, i.Commit, i.Date)
}
