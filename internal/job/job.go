// Package job implements the build-tool job execution engine: it
// spawns one subprocess per job, streams and classifies its combined
// output, detects interactive prompts, enforces duration and
// inactivity limits, and supports idempotent cancellation.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/job/classify"
)

// State is the lifecycle state of a job.
type State string

const (
	StateStarting        State = "starting"
	StateRunning         State = "running"
	StateWaitingForInput State = "waiting_for_input"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateInterrupted     State = "interrupted"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateInterrupted:
		return true
	}
	return false
}

// validTransitions encodes the lifecycle state machine. Terminal
// states have no outgoing edges.
var validTransitions = map[State][]State{
	StateStarting:        {StateRunning, StateFailed},
	StateRunning:         {StateWaitingForInput, StateCompleted, StateFailed, StateInterrupted},
	StateWaitingForInput: {StateRunning, StateCompleted, StateFailed, StateInterrupted},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reasons recorded on terminal transitions.
const (
	ReasonCanceled          = "canceled"
	ReasonTimeoutExceeded   = "timeout_exceeded"
	ReasonInactivityTimeout = "inactivity_timeout"
	ReasonSpawnError        = "spawn_error"
	ReasonIoError           = "io_error"
)

// OutputLine is one classified line of combined stdout/stderr.
type OutputLine struct {
	Text      string       `json:"text"`
	Tag       classify.Tag `json:"tag"`
	Stream    string       `json:"stream"` // "stdout" or "stderr"
	Timestamp time.Time    `json:"timestamp"`
}

// Info is a point-in-time snapshot of a job.
type Info struct {
	ID           string    `json:"id"`
	Command      string    `json:"command"`
	Args         []string  `json:"args,omitempty"`
	State        State     `json:"state"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActivity time.Time `json:"last_activity"`
	WarningCount int       `json:"warning_count"`
}

// TerminalError maps a terminal snapshot onto the error describing
// why the run did not succeed. Clean exits, cancellations and
// non-terminal snapshots yield nil; cancellation is the caller's own
// doing, not a failure. The timeout and inactivity durations are the
// limits that were in force for the run.
func TerminalError(info Info, timeout, inactivity time.Duration) *apperrors.AppError {
	switch info.State {
	case StateCompleted:
		if info.ExitCode != nil && *info.ExitCode != 0 {
			return apperrors.CommandFailed(info.Command, *info.ExitCode)
		}
	case StateInterrupted:
		switch info.Reason {
		case ReasonTimeoutExceeded:
			return apperrors.TimeoutExceeded(info.Command, int(timeout.Seconds()))
		case ReasonInactivityTimeout:
			return apperrors.InactivityTimeout(info.Command, int(inactivity.Seconds()))
		}
	case StateFailed:
		switch info.Reason {
		case ReasonSpawnError:
			return apperrors.SpawnError(info.Command, nil)
		case ReasonIoError:
			return apperrors.IoError("job terminated after an input/output failure", nil)
		}
	}
	return nil
}

// Job holds the tracked state of one subprocess invocation. State is
// mutated only by the engine's event loop; external readers take
// snapshots through Info().
type Job struct {
	id      string
	command string
	args    []string

	mu           sync.Mutex
	state        State
	exitCode     *int
	reason       string
	startedAt    time.Time
	updatedAt    time.Time
	lastActivity time.Time
	warningCount int
}

// newJob creates a Job in the Starting state.
func newJob(command string, args []string) *Job {
	now := time.Now().UTC()
	return &Job{
		id:           uuid.New().String(),
		command:      command,
		args:         args,
		state:        StateStarting,
		startedAt:    now,
		updatedAt:    now,
		lastActivity: now,
	}
}

// ID returns the job's unique handle.
func (j *Job) ID() string {
	return j.id
}

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Info returns a snapshot of the job.
func (j *Job) Info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := Info{
		ID:           j.id,
		Command:      j.command,
		Args:         j.args,
		State:        j.state,
		Reason:       j.reason,
		StartedAt:    j.startedAt,
		UpdatedAt:    j.updatedAt,
		LastActivity: j.lastActivity,
		WarningCount: j.warningCount,
	}
	if j.exitCode != nil {
		code := *j.exitCode
		info.ExitCode = &code
	}
	return info
}

// transition moves the job to a new state if the edge is valid.
// Returns false for invalid edges, including any transition out of a
// terminal state, so terminal events are emitted exactly once.
func (j *Job) transition(to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, to) {
		return false
	}
	j.state = to
	j.updatedAt = time.Now().UTC()
	return true
}

// setExitCode records the process exit code.
func (j *Job) setExitCode(code int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.exitCode = &code
}

// setReason records why the job reached a terminal state.
func (j *Job) setReason(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reason = reason
}

// touch records activity, keeping last_activity_time non-decreasing.
func (j *Job) touch(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if now.After(j.lastActivity) {
		j.lastActivity = now
	}
	j.warningCount = 0
}

// setWarningCount mirrors the watchdog's warning counter into the
// snapshot data.
func (j *Job) setWarningCount(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.warningCount = n
}
