// Package system supplies the clock the pacing ledger schedules gateways by.
package system

import "time"

// Clock reads the process clock for pacing.Ledger. Readings keep their
// monotonic component, so eligibility gaps are unaffected by wall-clock steps.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time with its monotonic reading intact.
func (Clock) Now() time.Time {
	return time.Now()
}
