// Package version exposes build identity, stamped via -ldflags at release
// time.
package version

var (
	// Version is the semantic release, "dev" for local builds.
	Version = "dev"
	// GitSHA identifies the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)
