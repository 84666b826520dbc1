package watchdog

import (
	"testing"
	"time"
)

func TestEvaluate_WithinLimits(t *testing.T) {
	start := time.Now()
	w := New(start, time.Minute, 10*time.Second, 3)

	if d := w.Evaluate(start.Add(5 * time.Second)); d != DecisionNone {
		t.Errorf("expected none, got %s", d)
	}
	if w.WarningCount() != 0 {
		t.Errorf("expected 0 warnings, got %d", w.WarningCount())
	}
}

func TestEvaluate_RunTimeout(t *testing.T) {
	start := time.Now()
	w := New(start, 30*time.Second, 10*time.Second, 3)

	if d := w.Evaluate(start.Add(31 * time.Second)); d != DecisionKillTimeout {
		t.Errorf("expected kill_timeout, got %s", d)
	}
	if !w.Stopped() {
		t.Error("expected watchdog to stop after timeout decision")
	}
	// Further ticks are a no-op.
	if d := w.Evaluate(start.Add(time.Minute)); d != DecisionNone {
		t.Errorf("expected none after stop, got %s", d)
	}
}

func TestEvaluate_RunTimeoutTakesPriorityOverIdle(t *testing.T) {
	start := time.Now()
	w := New(start, 30*time.Second, 10*time.Second, 3)

	// Both limits exceeded: the duration limit wins.
	if d := w.Evaluate(start.Add(40 * time.Second)); d != DecisionKillTimeout {
		t.Errorf("expected kill_timeout, got %s", d)
	}
}

// A job producing no activity is warned maxWarnings times and killed
// on the following idle tick, never before.
func TestEvaluate_InactivityEscalation(t *testing.T) {
	const maxWarnings = 3
	start := time.Now()
	w := New(start, time.Hour, 10*time.Second, maxWarnings)

	tick := start
	for i := 1; i <= maxWarnings; i++ {
		tick = tick.Add(11 * time.Second)
		if d := w.Evaluate(tick); d != DecisionWarn {
			t.Fatalf("tick %d: expected warn, got %s", i, d)
		}
		if w.WarningCount() != i {
			t.Fatalf("tick %d: expected %d warnings, got %d", i, i, w.WarningCount())
		}
	}

	tick = tick.Add(11 * time.Second)
	if d := w.Evaluate(tick); d != DecisionKillInactivity {
		t.Fatalf("expected kill_inactivity on tick %d, got %s", maxWarnings+1, d)
	}
	if !w.Stopped() {
		t.Error("expected watchdog to stop after inactivity kill")
	}
}

func TestTouch_ResetsIdleAndWarnings(t *testing.T) {
	start := time.Now()
	w := New(start, time.Hour, 10*time.Second, 3)

	tick := start.Add(11 * time.Second)
	if d := w.Evaluate(tick); d != DecisionWarn {
		t.Fatalf("expected warn, got %s", d)
	}

	// Activity resets both idle time and the warning count.
	activity := tick.Add(time.Second)
	w.Touch(activity)
	if w.WarningCount() != 0 {
		t.Errorf("expected warning count reset, got %d", w.WarningCount())
	}

	if d := w.Evaluate(activity.Add(5 * time.Second)); d != DecisionNone {
		t.Errorf("expected none after activity, got %s", d)
	}
	if d := w.Evaluate(activity.Add(11 * time.Second)); d != DecisionWarn {
		t.Errorf("expected warn after renewed idle period, got %s", d)
	}
}

func TestTouch_LastActivityNonDecreasing(t *testing.T) {
	start := time.Now()
	w := New(start, time.Hour, 10*time.Second, 3)

	w.Touch(start.Add(5 * time.Second))
	// An out-of-order touch must not move the activity clock backwards.
	w.Touch(start.Add(2 * time.Second))

	if got := w.IdleSince(start.Add(6 * time.Second)); got != time.Second {
		t.Errorf("expected idle of 1s, got %s", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	start := time.Now()
	w := New(start, time.Hour, 10*time.Second, 3)

	w.Stop()
	w.Stop()
	if d := w.Evaluate(start.Add(time.Hour)); d != DecisionNone {
		t.Errorf("expected none after stop, got %s", d)
	}
}

func TestEvaluate_ZeroTimeoutsDisableLimits(t *testing.T) {
	start := time.Now()
	w := New(start, 0, 0, 3)

	if d := w.Evaluate(start.Add(24 * time.Hour)); d != DecisionNone {
		t.Errorf("expected none with limits disabled, got %s", d)
	}
}
