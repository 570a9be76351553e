package models

import "time"

// StepOutcome classifies how a step went.
type StepOutcome string

const (
	OutcomeExecuted     StepOutcome = "Executed"
	OutcomeAgentTimeout StepOutcome = "AgentTimeout"
	OutcomeAgentError   StepOutcome = "AgentError"
	OutcomeEnvError     StepOutcome = "EnvError"
)

// StepRecord is one observe-decide-execute iteration of a session.
type StepRecord struct {
	Step      int         `json:"step"`
	FramePath string      `json:"frame,omitempty"`
	Action    Action      `json:"action"`
	Reward    float64     `json:"reward"`
	Done      bool        `json:"done"`
	Timestamp time.Time   `json:"timestamp"`
	Outcome   StepOutcome `json:"outcome"`
	Error     string      `json:"error,omitempty"`
}
