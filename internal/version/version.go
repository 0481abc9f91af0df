// Package version carries build metadata stamped in with -ldflags "-X".
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// Info is the build metadata served at /api/version.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime, GoVersion: runtime.Version()}
}

// String formats the metadata for a version subcommand, e.g.
// "steering v0.3.1 (abc1234, built 2024-03-09T14:05:07Z, go1.25.6)".
func String(program string) string {
	i := Get()
	return fmt.Sprintf("%s %s (%s, built %s, %s)", program, i.Version, short(i.GitSHA), i.BuildTime, i.GoVersion)
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
