// Package version holds build information stamped in by the linker:
//
//	go build -ldflags "-X github.com/bissquit/acquisitions/internal/version.GitCommit=$(git rev-parse HEAD)"
package version

var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build information served on /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the stamped build information.
func Get() Info {
	return Info{Version: Version, Commit: GitCommit, BuildDate: BuildDate}
}
