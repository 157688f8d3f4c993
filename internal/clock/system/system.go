// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements ingest.Clock with UTC wall time.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC. Checkpoints and run logs store these
// values, so the location is normalized here rather than at each caller.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
