// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements indieweb.Clock. Readings are UTC and truncated to the
// microsecond so in-memory and Postgres due times compare the same way.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
