package sim

import "time"

// Clock is a manually advanced timeout.Clock. The tick loop advances it by the
// tick duration so lease expiry follows simulated time, not wall time.
type Clock struct {
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time { return c.now }

func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }
