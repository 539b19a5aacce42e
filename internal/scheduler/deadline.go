package scheduler

import "time"

// Clock reports the current time.
type Clock func() time.Time

// Deadline is the wall-clock ceiling of one pass.
type Deadline struct {
	start time.Time
	at    time.Time
	now   Clock
}

// NewDeadline starts a budget of the given length at now().
func NewDeadline(now Clock, budget time.Duration) Deadline {
	start := now()

	return Deadline{start: start, at: start.Add(budget), now: now}
}

// Expired reports whether the budget is used up.
func (d Deadline) Expired() bool {
	return !d.now().Before(d.at)
}

// Elapsed is the time since the pass started.
func (d Deadline) Elapsed() time.Duration {
	return d.now().Sub(d.start)
}

// Start is when the pass began.
func (d Deadline) Start() time.Time {
	return d.start
}
