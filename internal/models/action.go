package models

import "fmt"

// ActionKind tags the two executable action forms.
type ActionKind string

const (
	ActionCode    ActionKind = "code"
	ActionControl ActionKind = "control"
)

// ControlSignal is the closed set of control actions.
type ControlSignal string

const (
	SignalWait ControlSignal = "WAIT"
	SignalDone ControlSignal = "DONE"
	SignalFail ControlSignal = "FAIL"
)

// DefaultPauseSeconds is applied when the agent omits a pause.
const DefaultPauseSeconds = 0.5

// Action is a validated, executable agent decision.
type Action struct {
	Kind         ActionKind    `json:"kind"`
	Code         string        `json:"code,omitempty"`
	Signal       ControlSignal `json:"signal,omitempty"`
	PauseSeconds float64       `json:"pause_seconds"`
}

// WaitAction returns a control wait with the given pause.
func WaitAction(pause float64) Action {
	return Action{Kind: ActionControl, Signal: SignalWait, PauseSeconds: pause}
}

// Is reports whether the action is the given control signal.
func (a Action) Is(sig ControlSignal) bool {
	return a.Kind == ActionControl && a.Signal == sig
}

func (a Action) String() string {
	if a.Kind == ActionControl {
		return fmt.Sprintf("control:%s", a.Signal)
	}
	preview := a.Code
	if len(preview) > 60 {
		preview = preview[:60] + "..."
	}
	return fmt.Sprintf("code:%q", preview)
}
