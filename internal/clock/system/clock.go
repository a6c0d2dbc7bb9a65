// Package system provides a real clock implementation.
package system

import "time"

// Clock implements browser.Clock using time.Now. It returns local wall-clock
// time because unblock timestamps are formatted for operator display.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now()
}
