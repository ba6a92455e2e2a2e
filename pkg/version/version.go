package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time.
var (
	Tag       = "v0.0.0-dev"
	GitCommit = "HEAD"
)

type Version struct {
	Tag       string `json:"tag"`
	GitCommit string `json:"gitCommit"`
	GoVersion string `json:"goVersion"`
}

func (v Version) String() string {
	if len(v.GitCommit) > 7 {
		return fmt.Sprintf("%s (%s)", v.Tag, v.GitCommit[:7])
	}
	return fmt.Sprintf("%s (%s)", v.Tag, v.GitCommit)
}

func Get() Version {
	return Version{
		Tag:       Tag,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
	}
}
