package model

import "fmt"

// SandboxLaunchError means the container runtime refused to start a sandbox
// (runtime unavailable, image missing). Fatal for that run only: the run is
// reported as FAILED and the rest of the round proceeds.
type SandboxLaunchError struct {
	Agent string
	Image string
	Cause error
}

func (e *SandboxLaunchError) Error() string {
	return fmt.Sprintf("launch sandbox for %s (image %s): %v", e.Agent, e.Image, e.Cause)
}

func (e *SandboxLaunchError) Unwrap() error {
	return e.Cause
}

// ArtifactUnstableError means a deliverable artifact was still being written
// when the grace deadline was reached. The confirmed candidate is kept; only
// the artifact is dropped.
type ArtifactUnstableError struct {
	Path      string
	SizeFirst int64
	SizeLast  int64
}

func (e *ArtifactUnstableError) Error() string {
	return fmt.Sprintf("artifact %s still changing at grace deadline (%d → %d bytes)", e.Path, e.SizeFirst, e.SizeLast)
}

// ConfigurationError is fatal at startup, before any task processing begins.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Message
	}
	return fmt.Sprintf("configuration %s: %s", e.Field, e.Message)
}

// InvalidTransitionError is returned when a task state transition is invalid.
type InvalidTransitionError struct {
	TaskID int
	From   TaskState
	To     TaskState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid task state transition: %s → %s (task %d)", e.From, e.To, e.TaskID)
}
