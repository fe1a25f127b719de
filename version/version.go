// Package version carries the memkeep build version, stamped at link time:
//
//	go build -ldflags "-X github.com/memkeep/memkeep/version.Version=1.0.0 -X github.com/memkeep/memkeep/version.GitCommit=$(git rev-parse --short HEAD)"
//
// Development builds report "dev".
package version

import "runtime/debug"

var (
	Version   = "dev"
	GitCommit = ""
	// BuildTime is UTC, e.g. $(date -u +%Y-%m-%dT%H:%M:%SZ).
	BuildTime = ""
)

var readBuildInfo = debug.ReadBuildInfo

// Full is Version plus the commit and build time when known. An unstamped
// commit falls back to the VCS revision the go command recorded.
func Full() string {
	v := Version
	if c := commit(); c != "" {
		v += "-" + c
	}
	if BuildTime != "" {
		v += " (" + BuildTime + ")"
	}
	return v
}

func commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	info, ok := readBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return ""
}

// UserAgent is sent on outbound HTTP requests to model providers.
func UserAgent() string {
	return "memkeep/" + Version
}
