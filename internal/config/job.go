package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spachava753/deskeval/internal/models"
)

// DefaultTools are advertised to the agent on every step.
var DefaultTools = []string{"mouse", "keyboard", "scroll", "wait"}

// DefaultJobConfig returns a JobConfig with default values.
func DefaultJobConfig() models.JobConfig {
	return models.JobConfig{
		RunsDir:             "results",
		NConcurrentSessions: 1,
		LogLevel:            "info",
		Agent: models.AgentConfig{
			URL:               "http://127.0.0.1:18081",
			RequestTimeoutSec: 120,
			MaxAttempts:       3,
			InitialBackoffMs:  500,
			MaxBackoffMs:      4000,
			Tools:             append([]string(nil), DefaultTools...),
		},
		Environment: models.EnvironmentConfig{
			Type:              "http",
			Controller:        "desktopctl",
			ProviderName:      "aws",
			OSType:            "Ubuntu",
			ScreenWidth:       1920,
			ScreenHeight:      1080,
			StepTimeoutSec:    60,
			AcquireTimeoutSec: 900,
		},
		Limits: models.LimitsConfig{
			MaxSteps:      30,
			MaxSeconds:    300,
			GraceSec:      30,
			MaxCodeLength: 8192,
		},
		Selection: models.SelectionConfig{
			CatalogRoot: "evaluation_examples",
			Slice:       "test_small",
			Mode:        "all",
			K:           10,
			Seed:        42,
		},
		Success: models.SuccessConfig{
			Default: "reward_or_env",
		},
		Server: models.ServerConfig{
			Addr:          "127.0.0.1:18080",
			MaxConcurrent: 1,
		},
	}
}

// LoadJobConfig loads, defaults and validates a job.yaml file.
func LoadJobConfig(path string) (models.JobConfig, error) {
	cfg, err := ReadJobConfig(path)
	if err != nil {
		return cfg, err
	}

	ApplyDefaults(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// ReadJobConfig parses a job.yaml file over the defaults without
// validating it, so callers can overlay flags first.
func ReadJobConfig(path string) (models.JobConfig, error) {
	cfg := DefaultJobConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading job config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing job config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero values left behind by a partial job file.
func ApplyDefaults(cfg *models.JobConfig) {
	def := DefaultJobConfig()

	if cfg.RunsDir == "" {
		cfg.RunsDir = def.RunsDir
	}
	if cfg.NConcurrentSessions <= 0 {
		cfg.NConcurrentSessions = def.NConcurrentSessions
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Agent.RequestTimeoutSec <= 0 {
		cfg.Agent.RequestTimeoutSec = def.Agent.RequestTimeoutSec
	}
	if cfg.Agent.MaxAttempts <= 0 {
		cfg.Agent.MaxAttempts = def.Agent.MaxAttempts
	}
	if cfg.Agent.InitialBackoffMs <= 0 {
		cfg.Agent.InitialBackoffMs = def.Agent.InitialBackoffMs
	}
	if cfg.Agent.MaxBackoffMs <= 0 {
		cfg.Agent.MaxBackoffMs = def.Agent.MaxBackoffMs
	}
	if len(cfg.Agent.Tools) == 0 {
		cfg.Agent.Tools = def.Agent.Tools
	}
	if cfg.Environment.Type == "" {
		cfg.Environment.Type = def.Environment.Type
	}
	if cfg.Environment.Controller == "" {
		cfg.Environment.Controller = def.Environment.Controller
	}
	if cfg.Environment.ScreenWidth <= 0 {
		cfg.Environment.ScreenWidth = def.Environment.ScreenWidth
	}
	if cfg.Environment.ScreenHeight <= 0 {
		cfg.Environment.ScreenHeight = def.Environment.ScreenHeight
	}
	if cfg.Environment.StepTimeoutSec <= 0 {
		cfg.Environment.StepTimeoutSec = def.Environment.StepTimeoutSec
	}
	if cfg.Environment.AcquireTimeoutSec <= 0 {
		cfg.Environment.AcquireTimeoutSec = def.Environment.AcquireTimeoutSec
	}
	if cfg.Limits.MaxSteps <= 0 {
		cfg.Limits.MaxSteps = def.Limits.MaxSteps
	}
	if cfg.Limits.MaxSeconds <= 0 {
		cfg.Limits.MaxSeconds = def.Limits.MaxSeconds
	}
	if cfg.Limits.GraceSec < 0 {
		cfg.Limits.GraceSec = 0
	}
	if cfg.Limits.MaxCodeLength <= 0 {
		cfg.Limits.MaxCodeLength = def.Limits.MaxCodeLength
	}
	if cfg.Selection.CatalogRoot == "" {
		cfg.Selection.CatalogRoot = def.Selection.CatalogRoot
	}
	if cfg.Selection.Slice == "" {
		cfg.Selection.Slice = def.Selection.Slice
	}
	if cfg.Selection.Mode == "" {
		cfg.Selection.Mode = def.Selection.Mode
	}
	if cfg.Success.Default == "" {
		cfg.Success.Default = def.Success.Default
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.MaxConcurrent <= 0 {
		cfg.Server.MaxConcurrent = def.Server.MaxConcurrent
	}
}

// Validate rejects configurations that cannot run.
func Validate(cfg models.JobConfig) error {
	switch cfg.Environment.Type {
	case "http":
		if cfg.Environment.URL == "" {
			return fmt.Errorf("environment: type http requires 'url'")
		}
	case "docker", "modal", "apple":
		if cfg.Environment.Image == "" {
			return fmt.Errorf("environment: type %s requires 'image'", cfg.Environment.Type)
		}
	default:
		return fmt.Errorf("environment: unsupported type %q", cfg.Environment.Type)
	}

	if strings.TrimSpace(cfg.Agent.URL) == "" {
		return fmt.Errorf("agent: 'url' is required")
	}

	switch cfg.Selection.Mode {
	case "all", "small", "domain", "single", "random", "indices":
	default:
		return fmt.Errorf("selection: unknown mode %q", cfg.Selection.Mode)
	}

	return nil
}
