// Package version exposes build information stamped via ldflags:
//
//	go build -ldflags "-X quote-guard/internal/version.Version=1.0.0 \
//	                   -X quote-guard/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X quote-guard/internal/version.BuildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	// Version is the semantic version of the binary.
	Version = "dev"
	// Commit is the short git commit hash.
	Commit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)

// String renders the build information as a single line.
func String() string {
	return Version + " (" + Commit + ") built " + BuildDate
}
