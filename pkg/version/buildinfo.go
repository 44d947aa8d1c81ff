package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo summarizes the module and dependency versions this
// binary was built from, one line per dependency. A replaced
// dependency gets its replacement target appended to the same line,
// since that's the detail worth a reader's attention when diagnosing
// a report filed against an unexpected build.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	lines := []string{fmt.Sprintf("mod %s %s", info.Main.Path, info.Main.Version)}
	for _, dep := range info.Deps {
		line := fmt.Sprintf("dep %s %s", dep.Path, dep.Version)
		if dep.Replace != nil {
			line += fmt.Sprintf(" => %s %s", dep.Replace.Path, dep.Replace.Version)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
