// Package version reports the amankb build. Release builds stamp it with
//
//	-ldflags "-X github.com/Aman-CERP/amankb/pkg/version.Version=1.4.2
//	          -X github.com/Aman-CERP/amankb/pkg/version.Commit=$(git rev-parse --short=12 HEAD)
//	          -X github.com/Aman-CERP/amankb/pkg/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// A plain `go build` leaves them empty and the VCS stamp of the module is used instead.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Name is the program name reported to MCP clients and HTTP services.
const Name = "amankb"

// Set via ldflags.
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetInfo returns the build, preferring ldflags values over the VCS stamp.
func GetInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if bi, ok := readBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value[:min(12, len(s.Value))]
				}
			case "vcs.time":
				if info.Date == "" {
					info.Date = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return info
}

// String returns the one-line version banner.
func String() string {
	info := GetInfo()
	commit := info.Commit
	if info.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s %s (commit %s, built %s, %s %s/%s)",
		Name, info.Version, commit, info.Date, info.GoVersion, info.OS, info.Arch)
}

// Short returns just the version.
func Short() string {
	return Version
}

// UserAgent identifies amankb to the embedding and transform services.
func UserAgent() string {
	return Name + "/" + Version
}
