// Package version holds build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/bdobrica/Hibari/common/version.Version=v0.3.0"
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns "hibari <version> (<commit>, built <time>)".
func Info() string {
	return "hibari " + Version + " (" + GitCommit + ", built " + BuildTime + ")"
}
