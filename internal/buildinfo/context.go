// Package buildinfo holds build-time metadata injected at startup.
package buildinfo

import (
	"fmt"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata that was not injected.
const UnknownValue = "unknown"

// Context contains metadata that is not user-configurable.
type Context struct {
	version   string
	buildDate string
	systemID  string
}

// NewContext returns build metadata. An empty systemID is replaced by a
// random one, so every process reports a distinct id.
func NewContext(version, buildDate, systemID string) *Context {
	if systemID == "" {
		systemID = uuid.NewString()
	}
	return &Context{version: version, buildDate: buildDate, systemID: systemID}
}

// Version returns the release version.
func (c *Context) Version() string {
	if c == nil || c.version == "" {
		return UnknownValue
	}
	return c.version
}

// BuildDate returns when the binary was built.
func (c *Context) BuildDate() string {
	if c == nil || c.buildDate == "" {
		return UnknownValue
	}
	return c.buildDate
}

// SystemID identifies this process in error reports.
func (c *Context) SystemID() string {
	if c == nil || c.systemID == "" {
		return UnknownValue
	}
	return c.systemID
}

// String formats the version line printed by the CLI.
func (c *Context) String() string {
	return fmt.Sprintf("nnbridge %s (built %s)", c.Version(), c.BuildDate())
}
