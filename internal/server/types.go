package server

import (
	"encoding/json"
	"strings"

	"github.com/spachava753/deskeval/internal/artifact"
	"github.com/spachava753/deskeval/internal/catalog"
	"github.com/spachava753/deskeval/internal/environment"
	"github.com/spachava753/deskeval/internal/models"
)

// Card is the capability card the evaluator advertises.
type Card struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Protocol string   `json:"protocol"`
	Tools    []string `json:"tools"`
	TaskSets []string `json:"task_sets"`
	Backend  string   `json:"backend"`
}

// ActLimits overrides the configured session limits for one request.
type ActLimits struct {
	MaxSteps   int     `json:"max_steps"`
	MaxSeconds float64 `json:"max_seconds"`
}

// DesktopSpec carries the task configuration handed to the environment.
// The wire key is "osworld" for compatibility with existing callers.
type DesktopSpec struct {
	ProviderName string          `json:"provider_name"`
	OSType       string          `json:"os_type"`
	Region       string          `json:"region"`
	ScreenWidth  int             `json:"screen_width"`
	ScreenHeight int             `json:"screen_height"`
	TaskConfig   json.RawMessage `json:"task_config"`
}

// ActRequest asks the evaluator to run one task to completion.
type ActRequest struct {
	TaskID      string      `json:"task_id"`
	Instruction string      `json:"instruction"`
	Seed        *int64      `json:"seed,omitempty"`
	Limits      *ActLimits  `json:"limits,omitempty"`
	Desktop     DesktopSpec `json:"osworld"`
}

// Task converts the request into a task descriptor. A task id of the form
// <domain>__<example> is split; anything else runs under the "adhoc"
// domain.
func (r ActRequest) Task() models.TaskDescriptor {
	domain, example, ok := strings.Cut(r.TaskID, "__")
	if !ok || domain == "" || example == "" {
		domain, example = "adhoc", r.TaskID
	}
	instruction := r.Instruction
	if strings.TrimSpace(instruction) == "" {
		instruction = catalog.DefaultInstruction
	}
	cfg := r.Desktop.TaskConfig
	if len(cfg) == 0 {
		cfg = json.RawMessage(`{}`)
	}
	return models.TaskDescriptor{
		Domain:      domain,
		ExampleID:   example,
		Instruction: instruction,
		Config:      cfg,
	}
}

// ApplyLimits returns base with the request's overrides applied.
func (r ActRequest) ApplyLimits(base models.Limits) models.Limits {
	if r.Limits == nil {
		return base
	}
	if r.Limits.MaxSteps > 0 {
		base.MaxSteps = r.Limits.MaxSteps
	}
	if r.Limits.MaxSeconds > 0 {
		base.MaxSeconds = r.Limits.MaxSeconds
	}
	return base
}

// ApplyHeader records the requested desktop in the run header and
// recomputes the environment signature. Unset request fields keep the
// configured values.
func (r ActRequest) ApplyHeader(base artifact.RunHeader) artifact.RunHeader {
	d := r.Desktop
	if d.ProviderName != "" {
		base.DesktopProvider = d.ProviderName
	}
	if d.OSType != "" {
		base.OSType = d.OSType
	}
	if d.Region != "" {
		base.Region = d.Region
	}
	if d.ScreenWidth > 0 && d.ScreenHeight > 0 {
		base.Screen = environment.Screen{Width: d.ScreenWidth, Height: d.ScreenHeight}.String()
	}
	if r.Seed != nil {
		base.Seed = r.Seed
	}
	base.EnvSignature = artifact.EnvSignature(base.Provider, base.Region, base.Screen, base.AgentVersion)
	return base
}
