package buildinfo

import "fmt"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("orblab %s (commit=%s date=%s)", Version, Commit, Date)
}

// Short returns just the version, for inline use in usage text.
func Short() string {
	return Version
}
