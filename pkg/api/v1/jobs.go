// Package v1 defines the request and response types for the Runforge
// HTTP API.
package v1

import "time"

// StartJobRequest starts a new build-tool job. Starting while another
// job is active cancels the active job first.
type StartJobRequest struct {
	Command string   `json:"command" binding:"required"`
	Args    []string `json:"args,omitempty"`
}

// SendInputRequest relays a line of input to a job waiting on a prompt.
type SendInputRequest struct {
	Text string `json:"text" binding:"required"`
}

// JobResponse is a snapshot of a job's lifecycle state.
type JobResponse struct {
	ID           string    `json:"id"`
	Command      string    `json:"command"`
	Args         []string  `json:"args,omitempty"`
	State        string    `json:"state"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	WarningCount int       `json:"warning_count"`
}

// OutputLineEntry is one classified line of job output.
type OutputLineEntry struct {
	Text      string    `json:"text"`
	Tag       string    `json:"tag"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
}

// OutputResponse lists the buffered output of a job.
type OutputResponse struct {
	JobID string            `json:"job_id"`
	Lines []OutputLineEntry `json:"lines"`
	Total int               `json:"total"`
}

// CommandsResponse lists the build-tool subcommands known to the
// server.
type CommandsResponse struct {
	Commands []string `json:"commands"`
}
