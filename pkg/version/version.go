// Package version reports the version of rttcom and what it was built
// from.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Version represents the current version of rttcom.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// unsetBuild is the Build value of binaries not stamped by the linker.
const unsetBuild = "$Id$"

// RttcomVersion is the current version of rttcom.
var RttcomVersion = Version{Major: "0", Minor: "3", Patch: "0", Build: unsetBuild}

func (v Version) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		sb.WriteString("-" + v.Metadata)
	}
	build := v.Build
	if strings.HasPrefix(build, unsetBuild) {
		if rev := vcsRevision(); rev != "" {
			build = rev
		}
	}
	sb.WriteString("\nBuild: " + build)
	return sb.String()
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// BuildInfo returns the Go version and the modules rttcom was built with.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return runtime.Version() + "\nnot built in module mode"
	}
	lines := []string{runtime.Version(), moduleLine("mod", &info.Main)}
	for _, dep := range info.Deps {
		lines = append(lines, moduleLine("dep", dep))
	}
	return strings.Join(lines, "\n") + "\n"
}

func moduleLine(kind string, m *debug.Module) string {
	s := fmt.Sprintf(" %s\t%s\t%s\t%s", kind, m.Path, m.Version, m.Sum)
	if r := m.Replace; r != nil {
		s += fmt.Sprintf("\t=> %s\t%s\t%s", r.Path, r.Version, r.Sum)
	}
	return s
}
