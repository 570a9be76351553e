package models

// Observation is the environment state handed to the agent before a step.
type Observation struct {
	// Screenshot holds the raw PNG bytes; empty when the simulator produced no frame.
	Screenshot []byte
	A11yTree   *string
	Width      int
	Height     int
	Step       int
}
