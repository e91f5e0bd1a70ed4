// Package version contains the version of tlsrelay.
package version

import "runtime/debug"

// version is set at build time:
//
//	go build -ldflags "-X github.com/ameshkov/tlsrelay/internal/version.version=v1.0.0"
var version string

// Version returns the version of the program.  If it has not been set at
// build time, the module version from the build info is used.
func Version() (v string) {
	if version != "" {
		return version
	}

	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Version != "" {
		return info.Main.Version
	}

	return "dev"
}
