package model

import (
	"time"
)

// Task is one platform challenge moving through the rotation.
type Task struct {
	ID    int       `json:"id"`
	Name  string    `json:"name"`
	State TaskState `json:"state"`

	// Round is the next round to run, starting at 1. Monotonically increasing;
	// advanced only by the rotation scheduler between rounds.
	Round int `json:"round"`

	// NoCandidateStreak counts consecutive rounds in which no worker produced
	// any candidate. Reset whenever at least one candidate appears.
	NoCandidateStreak int `json:"no_candidate_streak"`

	// SolvedFlag holds the winning candidate once the task is SOLVED.
	SolvedFlag string `json:"solved_flag,omitempty"`

	// AbandonReason is the free-text reason recorded when the task is ABANDONED.
	AbandonReason string `json:"abandon_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkerResult is the outcome of a single worker run within a round.
// Ephemeral: it belongs to exactly one round attempt and owns exactly one
// sandbox, which is released before the result is reported.
type WorkerResult struct {
	RunID     string     `json:"run_id"`
	AgentName string     `json:"agent_name"`
	Outcome   RunOutcome `json:"outcome"`

	// Candidate is set only for CONFIRMED outcomes. Uncorroborated candidate
	// strings never leave the supervisor.
	Candidate string `json:"candidate,omitempty"`

	// ArtifactPath points at the harvested deliverable (writeup), when one
	// appeared and stabilized within the grace window.
	ArtifactPath string `json:"artifact_path,omitempty"`

	LogPath     string     `json:"log_path,omitempty"`
	Err         string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RoundSummary is the structured per-round report surfaced after every round.
type RoundSummary struct {
	TaskID  int `json:"task_id"`
	Round   int `json:"round"`
	Timeout int `json:"timeout_seconds"`

	// AgentCandidates maps agent name to its confirmed candidate, or "" when
	// the agent produced none.
	AgentCandidates map[string]string `json:"agent_candidates"`

	Winner          string    `json:"winner,omitempty"`
	WinnerCandidate string    `json:"winner_candidate,omitempty"`
	TotalAgents     int       `json:"total_agents"`
	CandidatesFound int       `json:"candidates_found"`
	CreatedAt       time.Time `json:"created_at"`
}

// Candidate is a rejected candidate recorded into a task's history.
// The same string may be recorded more than once; the cumulative count drives
// thrash detection.
type Candidate struct {
	TaskID    int       `json:"task_id"`
	Round     int       `json:"round"`
	AgentName string    `json:"agent_name"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}
