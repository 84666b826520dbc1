// Package watchdog enforces duration and inactivity limits on a
// running job.
//
// The watchdog itself holds no timer: the owning event loop drives it
// with periodic ticks and acts on the returned decision. Keeping the
// clock external makes the limit logic deterministic under test.
package watchdog

import "time"

// Decision is the action the owner should take after a tick.
type Decision int

const (
	// DecisionNone means the job is within its limits.
	DecisionNone Decision = iota
	// DecisionWarn means the job has been idle past the inactivity
	// timeout and a warning should be surfaced.
	DecisionWarn
	// DecisionKillTimeout means the job exceeded its maximum run
	// duration and must be terminated.
	DecisionKillTimeout
	// DecisionKillInactivity means the job exhausted its inactivity
	// warnings and must be terminated.
	DecisionKillInactivity
)

func (d Decision) String() string {
	switch d {
	case DecisionNone:
		return "none"
	case DecisionWarn:
		return "warn"
	case DecisionKillTimeout:
		return "kill_timeout"
	case DecisionKillInactivity:
		return "kill_inactivity"
	default:
		return "unknown"
	}
}

// Watchdog tracks elapsed run time and idle time for one job.
type Watchdog struct {
	maxRunTimeout     time.Duration
	inactivityTimeout time.Duration
	maxWarnings       int

	startTime    time.Time
	lastActivity time.Time
	warningCount int
	stopped      bool
}

// New creates a Watchdog for a job started at start.
func New(start time.Time, maxRunTimeout, inactivityTimeout time.Duration, maxWarnings int) *Watchdog {
	return &Watchdog{
		maxRunTimeout:     maxRunTimeout,
		inactivityTimeout: inactivityTimeout,
		maxWarnings:       maxWarnings,
		startTime:         start,
		lastActivity:      start,
	}
}

// Touch records job activity (output or input), resetting the idle
// clock and the accumulated warning count.
func (w *Watchdog) Touch(now time.Time) {
	if now.After(w.lastActivity) {
		w.lastActivity = now
	}
	w.warningCount = 0
}

// Evaluate inspects elapsed and idle time at the given tick and
// returns the action to take. Ticks after Stop are a no-op.
func (w *Watchdog) Evaluate(now time.Time) Decision {
	if w.stopped {
		return DecisionNone
	}

	elapsed := now.Sub(w.startTime)
	if w.maxRunTimeout > 0 && elapsed > w.maxRunTimeout {
		w.stopped = true
		return DecisionKillTimeout
	}

	idle := now.Sub(w.lastActivity)
	if w.inactivityTimeout > 0 && idle > w.inactivityTimeout {
		w.warningCount++
		if w.warningCount > w.maxWarnings {
			w.stopped = true
			return DecisionKillInactivity
		}
		return DecisionWarn
	}

	return DecisionNone
}

// Stop disables further evaluation. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopped = true
}

// Stopped reports whether the watchdog has shut down.
func (w *Watchdog) Stopped() bool {
	return w.stopped
}

// WarningCount returns the number of consecutive inactivity warnings
// issued since the last activity.
func (w *Watchdog) WarningCount() int {
	return w.warningCount
}

// IdleSince returns the duration since the last recorded activity.
func (w *Watchdog) IdleSince(now time.Time) time.Duration {
	return now.Sub(w.lastActivity)
}
