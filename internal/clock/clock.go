// Package clock confines the gateway's one piece of genuinely global
// mutable state — the monotonic timestamp used to stamp Group revisions —
// behind a single registry type, per spec §9: "the monotonic global
// timestamp must be advanced only by a single 'tick' callback the manager
// schedules." Nothing outside the manager's tick loop writes to it;
// everything else only reads it through Now.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock holds the process's current monotonic microsecond timestamp.
// The zero value is usable but reads zero until Tick or Set is called.
type Clock struct {
	us atomic.Int64
}

// New returns a Clock seeded with the current wall-clock time.
func New() *Clock {
	c := &Clock{}
	c.Tick()
	return c
}

// Now returns the last value stamped by Tick (or Set), in microseconds.
// Safe for concurrent use by any number of readers.
func (c *Clock) Now() int64 {
	return c.us.Load()
}

// Tick advances the clock to the current wall-clock time. Only the
// manager's scheduled tick callback should call this.
func (c *Clock) Tick() {
	c.us.Store(time.Now().UnixMicro())
}

// Set pins the clock to an explicit value, for deterministic tests.
func (c *Clock) Set(us int64) {
	c.us.Store(us)
}
