package session

import (
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/davidahmann/vouch/core/schema/v1/trace"
)

// numericLibraryPrefixes name module paths whose random-number generators
// are not covered by seed enforcement. Their presence aborts Begin in strict
// mode and is recorded as a warning otherwise.
var numericLibraryPrefixes = []string{
	"gonum.org/",
	"gorgonia.org/",
	"github.com/tensorflow/",
}

func snapshotEnvironment() trace.Environment {
	environment := trace.Environment{
		ProducerVersion: trace.ProducerVersion,
		GoVersion:       runtime.Version(),
		Platform:        runtime.GOOS + "/" + runtime.GOARCH,
		CPUInfo: trace.CPUInfo{
			Machine:    runtime.GOARCH,
			System:     runtime.GOOS,
			NumCPU:     runtime.NumCPU(),
			GOMAXPROCS: runtime.GOMAXPROCS(0),
		},
		Dependencies: map[string]string{},
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		environment.MainModule = info.Main.Path
		for _, dep := range info.Deps {
			environment.Dependencies[dep.Path] = dep.Version
		}
	}
	return environment
}

func detectNumericLibraries() []string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	var found []string
	for _, dep := range info.Deps {
		for _, prefix := range numericLibraryPrefixes {
			if strings.HasPrefix(dep.Path, prefix) {
				found = append(found, dep.Path)
			}
		}
	}
	return found
}
