// Package buildinfo décrit le binaire en cours: version, révision, date.
package buildinfo

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Renseignées au build (-ldflags "-X .../internal/buildinfo.Version=v0.3.0").
// Vides, elles retombent sur les métadonnées VCS que go build embarque.
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Date      string `json:"date,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion"`
}

func Current() Info {
	return resolve(Version, Commit, Date, readBuild)
}

// UserAgent forme "name/version" pour les appels sortants.
func UserAgent(name string) string {
	return name + "/" + Current().Version
}

func readBuild() (*debug.BuildInfo, bool) { return debug.ReadBuildInfo() }

func resolve(version, commit, date string, read func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	if bi, ok := read(); ok {
		if info.Version == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "" {
					info.Commit = s.Value
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
	if info.Version == "" {
		info.Version = "dev"
	}
	if len(info.Commit) > 12 && !strings.ContainsAny(info.Commit, "-.") {
		info.Commit = info.Commit[:12]
	}
	return info
}
