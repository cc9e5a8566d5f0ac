// Package servicectx holds the shared, cross-request service state — the
// admin-toggled disabled flag and the process start time used for uptime —
// passed by reference into the pipeline and both servers so all observe and
// mutate the same value.
package servicectx

import (
	"sync/atomic"
	"time"
)

// Context is safe for concurrent use.
type Context struct {
	disabled  atomic.Bool
	startedAt time.Time
}

// New returns a Context marking the process start time as now.
func New() *Context {
	return &Context{startedAt: time.Now()}
}

// SetDisabled toggles whether the proxy pipeline serves mirror requests.
func (c *Context) SetDisabled(v bool) { c.disabled.Store(v) }

// IsDisabled reports the current disabled state.
func (c *Context) IsDisabled() bool { return c.disabled.Load() }

// UptimeSeconds reports elapsed time since the Context was created.
func (c *Context) UptimeSeconds() int64 { return int64(time.Since(c.startedAt).Seconds()) }
