// Package version stamps this module with a version identifier and
// the Go module build info it was compiled with.
package version

import (
	"fmt"
	"runtime"
)

// Version identifies a build of this module.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// BreakpadVersion is the current version of this module.
var BreakpadVersion = Version{
	Major: "0", Minor: "1", Patch: "0", Metadata: "",
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

var buildInfo = func() string {
	return ""
}

// BuildInfo returns the Go runtime version and, when built in module
// mode, the resolved module and dependency versions.
func BuildInfo() string {
	return fmt.Sprintf("%s\n%s", runtime.Version(), buildInfo())
}

// fixBuild resolves v.Build from the binary's embedded VCS info when
// it still holds the unexpanded "$Id$" placeholder. Overridden by
// fixbuild.go's init on go1.18+, which is every supported toolchain
// this module targets.
var fixBuild = func(v *Version) {}
