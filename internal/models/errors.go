package models

// FailureType identifies what went wrong in a session that did not end cleanly.
type FailureType string

const (
	// Agent side, recoverable per step
	FailureAgentTimeout FailureType = "agent_timeout"
	FailureAgentError   FailureType = "agent_error"
	FailureCodecError   FailureType = "codec_error"

	// Environment side, fatal to the session
	FailureEnvSetup FailureType = "env_setup"
	FailureEnvStep  FailureType = "env_step"

	// Batch level
	FailureCancelled FailureType = "cancelled"

	// Artifacts
	FailureRecorder FailureType = "recorder_error"

	// Catch-all
	FailureInternal FailureType = "internal_error"
)
