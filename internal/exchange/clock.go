package exchange

import "time"

// Clock supplies the single source of time for every window check. Engines
// never read the wall clock directly, so tests can pin time exactly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock always reports the same instant. Move it with Advance.
type FixedClock struct {
	T time.Time
}

func (c *FixedClock) Now() time.Time {
	return c.T
}

func (c *FixedClock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}
