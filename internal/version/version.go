// Package version holds build metadata injected at link time.
package version

import "fmt"

// Set via -ldflags at build time, e.g.
//
//	go build -ldflags "-X github.com/kubeinquest/kubeinquest/internal/version.Version=v0.4.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String returns a single-line human-readable version string.
func String() string {
	return fmt.Sprintf("kubeinquest %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
