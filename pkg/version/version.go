// Package version exposes the build-time version string, overridden via
// ldflags (-X github.com/relaybridge/agent-relay/pkg/version.version=...).
package version

var version = "dev"

// BuildVersion returns the build-time version string, or "dev" when the
// binary was built without the ldflags override.
func BuildVersion() string {
	return version
}
