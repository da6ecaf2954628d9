// Package version reports build information for the deepmax binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X github.com/memohai/deepmax/internal/version.Version=..." at build time.
var (
	Version    = "dev"
	CommitHash = ""
	BuildTime  = ""
)

// Info is the resolved build information.
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
}

var (
	once     sync.Once
	resolved Info
)

// Get returns build info, falling back to the VCS stamp embedded by the Go
// toolchain when ldflags were not set.
func Get() Info {
	once.Do(func() {
		resolved = Info{
			Version:   Version,
			Commit:    CommitHash,
			BuildTime: BuildTime,
			GoVersion: runtime.Version(),
		}
		if resolved.Commit != "" {
			return
		}
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				resolved.Commit = s.Value
			case "vcs.time":
				if resolved.BuildTime == "" {
					resolved.BuildTime = s.Value
				}
			}
		}
	})
	return resolved
}

// ShortCommit is the first seven characters of the commit hash.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}

func (i Info) String() string {
	s := i.Version
	if c := i.ShortCommit(); c != "" {
		s += fmt.Sprintf(" (%s)", c)
	}
	return s
}
