package bridge

import "time"

// ExitStatus is the outcome a reaper observes for one process.
type ExitStatus struct {
	ExitCode int
	ExitedAt time.Time
	// Err is set when the wait itself failed (distinct from a non-zero exit).
	Err error
}
