// Package buildinfo carries build-time metadata that is not part of the
// user configuration
package buildinfo

import (
	"os"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata the build did not inject
const UnknownValue = "unknown"

// Context holds values injected at build time through -ldflags
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string

	// SystemID identifies this host in error reports. It is stable across
	// restarts because it is derived from the hostname.
	SystemID string
}

// NewContext returns a Context, deriving SystemID from the hostname when
// systemID is empty
func NewContext(version, buildDate, systemID string) *Context {
	if systemID == "" {
		systemID = hostSystemID()
	}
	return &Context{Version: version, BuildDate: buildDate, SystemID: systemID}
}

func hostSystemID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return ""
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host)).String()
}

// GetVersion returns the version or UnknownValue
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date or UnknownValue
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetSystemID returns the system id or UnknownValue
func (c *Context) GetSystemID() string {
	if c == nil || c.SystemID == "" {
		return UnknownValue
	}
	return c.SystemID
}
