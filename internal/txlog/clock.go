package txlog

import "sync/atomic"

// Clock hands out log versions.
//
// Versions are logical: strictly increasing, never derived from wall time,
// so replay order is exactly append order.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// although the log's single-writer append path is the only caller of Next.
type Clock struct {
	v atomic.Uint64
}

// NewClock creates a clock whose first version is 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming after start. Used when reopening a
// persisted log so new versions continue past the last persisted one.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.v.Store(start)
	return c
}

// Next returns the next version and advances the clock.
func (c *Clock) Next() uint64 {
	return c.v.Add(1)
}

// Current returns the last version handed out, or the resume point.
func (c *Clock) Current() uint64 {
	return c.v.Load()
}
