package version

// Version is the current version of the jamsync CLI.
// This value can be overridden at build time using:
//   go build -ldflags="-X 'github.com/baraksh12-arch/jam-in-a-docs-sub000/internal/version.Version=v1.0.0'"
var Version = "dev"
