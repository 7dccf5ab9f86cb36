package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

// Version represents the current version of fdefind.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// FdefindVersion is the current version of fdefind.
var FdefindVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version and the module versions fdefind was
// built with.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return runtime.Version() + "\nnot built in module mode\n"
	}
	return runtime.Version() + "\n" + formatModules(info)
}

// formatModules lists the main module and its dependencies, one per
// line, with the replacement of a replaced dependency after an arrow.
func formatModules(info *debug.BuildInfo) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 8, 1, ' ', 0)
	fmt.Fprintf(w, "%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, dep := range info.Deps {
		if r := dep.Replace; r != nil {
			fmt.Fprintf(w, "  %s\t%s\t=> %s %s\n", dep.Path, dep.Version, r.Path, r.Version)
			continue
		}
		fmt.Fprintf(w, "  %s\t%s\n", dep.Path, dep.Version)
	}
	w.Flush()
	return sb.String()
}

func fixBuild(v *Version) {
	// Return if v.Build already set, but not if it is Git ident expand file blob hash
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			if len(v.Build) > 12 {
				v.Build = v.Build[:12]
			}
			return
		}
	}
}
