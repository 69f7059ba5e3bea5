package version

import (
	"fmt"
	"net/http"
	"runtime"
)

// This variables are injected at build time.

// Version hosts the version of the app.
var Version = "development"

// Commit is the commit hash of the build
var Commit string

// BuildDate is the date it was built
var BuildDate string

// UserAgent returns the User-Agent string sent with every outbound request
// made by this module, including requests for public keys.
func UserAgent() string {
	return fmt.Sprintf("payload-envelope/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

// SetUserAgent sets the User-Agent header on the given request.
func SetUserAgent(req *http.Request) {
	req.Header.Set("User-Agent", UserAgent())
}
