// Package system provides the wall clock used by the pool and scheduler.
package system

import "time"

// Clock implements tracker.Clock using time.Now, reporting times in the
// pool's timezone so day and month boundaries line up with quota resets.
type Clock struct {
	loc *time.Location
}

// New creates a Clock that reports UTC.
func New() *Clock {
	return NewIn(time.UTC)
}

// NewIn creates a Clock that reports times in loc. A nil loc means UTC.
func NewIn(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loc: loc}
}

// Location returns the timezone the clock reports in.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// Now returns the current time in the clock's timezone.
func (c *Clock) Now() time.Time {
	return time.Now().In(c.loc)
}
