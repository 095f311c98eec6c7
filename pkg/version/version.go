// Package version reports build information for unisearch.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Name is the program name used in banners and MCP handshakes.
const Name = "unisearch"

// Set at build time:
//
//	go build -ldflags "-X github.com/Aman-CERP/unisearch/pkg/version.Version=1.2.0"
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information. A dev build falls back to the VCS
// revision recorded by the toolchain, when there is one.
func Get() BuildInfo {
	info := BuildInfo{
		Name:      Name,
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					info.Commit = shortRevision(s.Value)
				case "vcs.time":
					if info.Date == "unknown" {
						info.Date = s.Value
					}
				}
			}
		}
	}
	return info
}

// String is the one-line banner, e.g. "unisearch 1.2.0 (abc1234, go1.25.5)".
func String() string {
	bi := Get()
	return fmt.Sprintf("%s %s (%s, %s)", bi.Name, bi.Version, bi.Commit, bi.GoVersion)
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
