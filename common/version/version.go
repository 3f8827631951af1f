// Package version exposes the build metadata stamped into the kotae binary.
package version

// Overridden at build time with
// -ldflags "-X github.com/bdobrica/Kotae/common/version.Version=v1.0.0 ...".
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns a one-line human readable build description.
func Info() string {
	return "kotae " + Version + " (" + GitCommit + ") built at " + BuildTime
}

// LogAttrs returns the build metadata as slog key/value pairs.
func LogAttrs() []any {
	return []any{"version", Version, "commit", GitCommit, "built_at", BuildTime}
}
