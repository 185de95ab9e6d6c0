package version

import "fmt"

// Set at build time with -ldflags "-X github.com/chmdznr/oss-study-sync/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns the version with a short commit, e.g. "1.2.0 (abc1234)".
func String() string {
	commit := GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("%s (%s)", Version, commit)
}
