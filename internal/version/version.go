// Package version holds build version information, set by ldflags during build.
package version

// Version is the build version string.
// Format: vX.Y.Z or vX.Y.Z-dev for development builds.
var Version = "v0.3.0"

// BuildTime is the build timestamp.
var BuildTime = "unknown"
