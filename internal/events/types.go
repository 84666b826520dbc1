// Package events defines the event types and subjects published by the
// job execution engine.
package events

import "fmt"

// Event types published on the bus.
const (
	JobStateChanged   = "job.state_changed"
	JobOutput         = "job.output"
	JobPromptDetected = "job.prompt_detected"
	JobWarning        = "job.warning"
)

// SubjectJobState returns the subject for lifecycle events of a job.
func SubjectJobState(jobID string) string {
	return fmt.Sprintf("job.%s.state", jobID)
}

// SubjectJobOutput returns the subject for output line events of a job.
func SubjectJobOutput(jobID string) string {
	return fmt.Sprintf("job.%s.output", jobID)
}

// SubjectJobPrompt returns the subject for prompt detection events of a job.
func SubjectJobPrompt(jobID string) string {
	return fmt.Sprintf("job.%s.prompt", jobID)
}

// SubjectJobWarning returns the subject for inactivity warning events of a job.
func SubjectJobWarning(jobID string) string {
	return fmt.Sprintf("job.%s.warning", jobID)
}

// SubjectAllJobs matches every job event subject.
const SubjectAllJobs = "job.>"
