package version

import "fmt"

var (
	// Version is the semantic version of the bot binary. Set via -ldflags.
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)

// UserAgent is sent on outbound requests (exchange, keep-alive).
func UserAgent() string {
	return fmt.Sprintf("strengthbot/%s", Version)
}
