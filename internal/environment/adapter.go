// Package environment provides leases on simulated desktops.
//
// An Adapter hands out one Lease per session. A Lease is owned by exactly one
// session and must be released exactly once, on every exit path.
package environment

import (
	"context"
	"errors"
	"fmt"

	"github.com/spachava753/deskeval/internal/models"
)

// Adapter provisions simulated desktops.
type Adapter interface {
	// Name identifies the backend in run headers ("http", "docker", "modal", "apple").
	Name() string

	// Acquire provisions a desktop reset to the task's initial state and
	// returns the lease with the post-reset observation. It may be slow and
	// is not bound by the per-step timeout.
	Acquire(ctx context.Context, task models.TaskDescriptor) (Lease, models.Observation, error)
}

// Lease is exclusive ownership of one live desktop.
type Lease interface {
	ID() string

	// Step applies exactly one validated action.
	Step(ctx context.Context, action models.Action) (StepResult, error)

	// Release frees the desktop. Errors are for logging only.
	Release(ctx context.Context) error
}

// StepResult is the desktop state after one action.
type StepResult struct {
	Observation models.Observation
	Reward      float64
	Done        bool
}

// AdapterError is a desktop fault. It is fatal to the session that saw it.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("environment %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// IsAdapterError reports whether err is or wraps an AdapterError.
func IsAdapterError(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae)
}

// ErrReleased is returned by leases used after Release.
var ErrReleased = errors.New("lease already released")

// Screen is the display size requested from the simulator.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Screen) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}
