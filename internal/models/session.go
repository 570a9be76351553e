package models

import "time"

// TerminationReason is the single cause a session ended.
type TerminationReason string

const (
	TerminationAgentDone TerminationReason = "AgentDone"
	TerminationAgentFail TerminationReason = "AgentFail"
	TerminationStepLimit TerminationReason = "StepLimit"
	TerminationTimeLimit TerminationReason = "TimeLimit"
	TerminationEnvFatal  TerminationReason = "EnvFatal"
)

// TerminationReasons lists every reason in reporting order.
var TerminationReasons = []TerminationReason{
	TerminationAgentDone,
	TerminationAgentFail,
	TerminationStepLimit,
	TerminationTimeLimit,
	TerminationEnvFatal,
}

// Limits bounds one session.
type Limits struct {
	MaxSteps      int     `json:"max_steps"`
	MaxSeconds    float64 `json:"max_seconds"`
	GraceSeconds  float64 `json:"grace_seconds"`
	MaxCodeLength int     `json:"max_code_length"`
}

// SessionDetails carries provenance and failure context for a result.
type SessionDetails struct {
	FailureType  FailureType `json:"failure_type,omitempty"`
	Message      string      `json:"message,omitempty"`
	AgentVersion string      `json:"agent_version,omitempty"`
	EnvSignature string      `json:"env_signature,omitempty"`
	Provider     string      `json:"provider,omitempty"`
	Seed         *int64      `json:"seed,omitempty"`
	Limits       Limits      `json:"limits"`
}

// SessionResult is the terminal record of one task. It is built once, at
// session end, and never mutated afterwards.
type SessionResult struct {
	TaskID              string            `json:"task_id"`
	Domain              string            `json:"domain"`
	ExampleID           string            `json:"example_id"`
	Success             bool              `json:"success"`
	Reward              float64           `json:"reward"`
	StepsTaken          int               `json:"steps_taken"`
	WallTimeSeconds     float64           `json:"wall_time_sec"`
	TerminationReason   TerminationReason `json:"termination_reason"`
	ArtifactsPath       string            `json:"artifacts_path,omitempty"`
	ArtifactsIncomplete bool              `json:"artifacts_incomplete,omitempty"`
	StartedAt           time.Time         `json:"started_at"`
	EndedAt             time.Time         `json:"ended_at"`
	Details             SessionDetails    `json:"details"`
}
