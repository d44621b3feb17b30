// Package version reports the build version of the wabridge binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "github.com/KauaneAlmeida/projet-backendd"

// buildVersion is stamped at link time with
// -ldflags "-X github.com/KauaneAlmeida/projet-backendd/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Module    string `json:"module"`
	Revision  string `json:"revision,omitempty"`
	BuiltAt   string `json:"builtAt,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Current returns the best available version string.
func Current() string {
	return Read().Version
}

// Module returns the main module path.
func Module() string {
	return Read().Module
}

// Read collects version information from the linker stamp and the embedded build info.
func Read() Info {
	out := Info{Module: defaultModule, GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				out.BuiltAt = setting.Value
			case "vcs.modified":
				out.Dirty = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		out.Version = strings.TrimSpace(buildVersion)
	case ok && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	default:
		out.Version = pseudoVersion(out)
	}
	return out
}

func pseudoVersion(info Info) string {
	if info.Revision == "" || info.BuiltAt == "" {
		return "v0.0.0-unknown"
	}
	built, err := time.Parse(time.RFC3339, info.BuiltAt)
	if err != nil {
		return "v0.0.0-unknown"
	}
	rev := info.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + built.UTC().Format("20060102150405") + "-" + rev
	if info.Dirty {
		ver += "+dirty"
	}
	return ver
}
