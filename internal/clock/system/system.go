// Package system provides a real clock implementation.
package system

import "time"

// Clock implements crawler.Clock using time.Now at millisecond resolution.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to milliseconds, the resolution
// persisted for page and session timestamps.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
