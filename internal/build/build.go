// Package build holds build-time metadata injected via -ldflags.
package build

var (
	// AppName is the name of the application.
	AppName = "missiond"

	// Version is the semantic version, set at build time.
	Version = "0.0.0-dev"

	// Commit is the git commit hash, set at build time.
	Commit = "unknown"
)
