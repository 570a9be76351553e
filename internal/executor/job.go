package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/spachava753/deskeval/internal/agent"
	"github.com/spachava753/deskeval/internal/artifact"
	"github.com/spachava753/deskeval/internal/catalog"
	"github.com/spachava753/deskeval/internal/config"
	"github.com/spachava753/deskeval/internal/environment"
	"github.com/spachava753/deskeval/internal/environment/apple"
	"github.com/spachava753/deskeval/internal/environment/docker"
	"github.com/spachava753/deskeval/internal/environment/modal"
	"github.com/spachava753/deskeval/internal/environment/simhttp"
	"github.com/spachava753/deskeval/internal/metrics"
	"github.com/spachava753/deskeval/internal/models"
	"github.com/spachava753/deskeval/internal/selector"
	"github.com/spachava753/deskeval/internal/session"
	"github.com/spachava753/deskeval/internal/util"
)

// DefaultAgentVersion is recorded when the agent card has no version and
// none is configured.
const DefaultAgentVersion = "0.1.0"

// AgentClient is what a job needs from the agent client.
type AgentClient interface {
	session.AgentClient
	FetchCard(ctx context.Context) (*agent.Card, error)
}

// Job runs one batch: select tasks, run sessions, write batch artifacts.
type Job struct {
	Config  models.JobConfig
	Agent   AgentClient
	Adapter environment.Adapter
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Run executes the job. Task selection errors are returned before any
// directory is created or desktop acquired. Once sessions have run, the
// summary is returned even when writing batch artifacts fails.
func (j *Job) Run(ctx context.Context) (*models.RunSummary, string, error) {
	cfg := j.Config
	log := j.Logger
	started := time.Now()

	loader, err := catalog.NewLoader(cfg.Selection.CatalogRoot, 0, log)
	if err != nil {
		return nil, "", err
	}
	slice, err := loader.Slice(ctx, cfg.Selection.Slice)
	if err != nil {
		return nil, "", fmt.Errorf("loading slice: %w", err)
	}
	tasks, err := loader.Tasks(ctx, slice)
	if err != nil {
		return nil, "", fmt.Errorf("loading slice examples: %w", err)
	}

	sel := selector.FromConfig(cfg.Selection)
	selected, err := selector.Select(tasks, sel)
	if err != nil {
		return nil, "", err
	}
	policies, err := session.NewPolicies(cfg.Success)
	if err != nil {
		return nil, "", fmt.Errorf("success policies: %w", err)
	}

	jobDir, runName, err := PrepareJobDir(cfg.RunsDir, cfg.Name)
	if err != nil {
		return nil, "", err
	}
	log = log.With().Str("run", runName).Logger()
	log.Info().
		Str("slice", slice.Name).
		Str("mode", string(sel.Mode)).
		Int("slice_tasks", len(tasks)).
		Int("selected", len(selected)).
		Str("dir", jobDir).
		Msg("starting batch")

	// Save job config
	cfgJSON, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(filepath.Join(jobDir, "config.json"), cfgJSON, 0644); err != nil {
		log.Warn().Err(err).Msg("failed to write config snapshot")
	}
	if err := WriteIndexMap(jobDir, selector.Filter(tasks, sel)); err != nil {
		log.Warn().Err(err).Msg("failed to write index map")
	}
	if err := WriteSelection(jobDir, selected); err != nil {
		log.Warn().Err(err).Msg("failed to write selection")
	}

	agentVersion := j.AgentVersion(ctx)
	screen := environment.Screen{Width: cfg.Environment.ScreenWidth, Height: cfg.Environment.ScreenHeight}
	header := artifact.RunHeader{
		Provider:     j.Adapter.Name(),
		OSType:       cfg.Environment.OSType,
		Region:       cfg.Environment.Region,
		Screen:       screen.String(),
		AgentURL:     cfg.Agent.URL,
		AgentVersion: agentVersion,
		EnvSignature: artifact.EnvSignature(j.Adapter.Name(), cfg.Environment.Region, screen.String(), agentVersion),
	}
	if sel.Mode == selector.ModeRandom {
		seed := sel.Seed
		header.Seed = &seed
	}

	recorder := artifact.NewRecorder(filepath.Join(jobDir, "sessions"), log)
	ctrl := session.NewController(j.Agent, j.Adapter, recorder, session.Options{
		Limits:   cfg.Limits.ToLimits(),
		Tools:    cfg.Agent.Tools,
		Policies: policies,
		Header:   header,
		Metrics:  j.Metrics,
		Logger:   log,
	})

	results := NewRunner(ctrl, cfg.NConcurrentSessions, log).Run(ctx, selected)

	summary := Summarize(runName, selected, results, started, time.Now())
	summary.Slice = slice.Name
	summary.Mode = string(sel.Mode)
	summary.AgentVersion = agentVersion

	err = errors.Join(WriteSummaryJSON(jobDir, summary), WriteSummaryCSV(jobDir, summary))
	if err != nil {
		err = fmt.Errorf("writing batch summary: %w", err)
	}
	log.Info().
		Int("tasks", summary.TotalTasks).
		Int("succeeded", summary.Succeeded).
		Float64("success_rate", summary.SuccessRate).
		Bool("cancelled", summary.Cancelled).
		Msg("batch finished")
	return summary, jobDir, err
}

// AgentVersion probes the agent card: the configured version wins, then the
// card, then DefaultAgentVersion.
func (j *Job) AgentVersion(ctx context.Context) string {
	configured := j.Config.Agent.Version
	card, err := j.Agent.FetchCard(ctx)
	if err != nil {
		j.Logger.Warn().Err(err).Msg("could not fetch agent card")
	}
	switch {
	case configured != "":
		return configured
	case card != nil && card.Version != "":
		return card.Version
	default:
		return DefaultAgentVersion
	}
}

// PrepareJobDir creates <runsDir>/<name>, refusing to reuse an existing
// directory. The name defaults to the start time.
func PrepareJobDir(runsDir string, name *string) (string, string, error) {
	runName := time.Now().Format("2006-01-02__15-04-05")
	if name != nil && *name != "" {
		runName = *name
	}
	jobDir := filepath.Join(runsDir, runName)

	if _, err := os.Stat(jobDir); err == nil {
		return "", "", fmt.Errorf("job directory already exists: %s (will not overwrite existing results)", jobDir)
	}
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return "", "", fmt.Errorf("creating job directory: %w", err)
	}
	return jobDir, runName, nil
}

// NewAgentClient builds the agent client from config.
func NewAgentClient(cfg models.AgentConfig, m *metrics.Metrics, log zerolog.Logger) *agent.Client {
	return agent.NewClient(agent.Options{
		BaseURL:        cfg.URL,
		Token:          cfg.Token,
		UsePathToken:   cfg.UsePathToken,
		RequestTimeout: time.Duration(cfg.RequestTimeoutSec * float64(time.Second)),
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Logger:         log,
		OnRetry:        m.AgentRetry,
	})
}

// NewAdapter builds the environment adapter for the configured backend. The
// returned close function releases provider-wide resources.
func NewAdapter(cfg models.EnvironmentConfig, log zerolog.Logger) (environment.Adapter, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	screen := environment.Screen{Width: cfg.ScreenWidth, Height: cfg.ScreenHeight}
	stepTimeout := time.Duration(cfg.StepTimeoutSec * float64(time.Second))
	acquireTimeout := time.Duration(cfg.AcquireTimeoutSec * float64(time.Second))

	switch cfg.Type {
	case "http":
		return simhttp.New(simhttp.Options{
			BaseURL:        cfg.URL,
			Screen:         screen,
			StepTimeout:    stepTimeout,
			AcquireTimeout: acquireTimeout,
			Logger:         log,
		}), noop, nil

	case "docker", "modal", "apple":
		memoryMiB, err := util.ParseMemoryMiB(cfg.Memory)
		if err != nil {
			return nil, nil, fmt.Errorf("environment memory: %w", err)
		}
		opts := environment.DesktopOptions{
			Image:          cfg.Image,
			Controller:     cfg.Controller,
			CPUs:           cfg.CPUs,
			MemoryMiB:      memoryMiB,
			Screen:         screen,
			StepTimeout:    stepTimeout,
			AcquireTimeout: acquireTimeout,
			Logger:         log,
		}
		switch cfg.Type {
		case "docker":
			return environment.NewContainerAdapter(docker.NewProvider(log), opts), noop, nil
		case "apple":
			provider, err := apple.NewProvider(apple.ParseProviderConfig(cfg.ProviderConfig), log)
			if err != nil {
				return nil, nil, err
			}
			return environment.NewContainerAdapter(provider, opts), noop, nil
		}
		provider, err := modal.NewProvider(modal.ParseProviderConfig(cfg.ProviderConfig), log)
		if err != nil {
			return nil, nil, err
		}
		return environment.NewContainerAdapter(provider, opts), provider.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported environment type: %s", cfg.Type)
}

// RunFromConfig loads a job config file and executes the job.
func RunFromConfig(ctx context.Context, configPath string, log zerolog.Logger) (*models.RunSummary, string, error) {
	cfg, err := config.LoadJobConfig(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading job config: %w", err)
	}
	return RunJob(ctx, cfg, metrics.Default(), log)
}

// RunJob wires the agent client and adapter for cfg and runs the job.
func RunJob(ctx context.Context, cfg models.JobConfig, m *metrics.Metrics, log zerolog.Logger) (*models.RunSummary, string, error) {
	adapter, closeAdapter, err := NewAdapter(cfg.Environment, log)
	if err != nil {
		return nil, "", fmt.Errorf("creating environment adapter: %w", err)
	}
	defer func() {
		if err := closeAdapter(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("failed to close environment provider")
		}
	}()

	job := &Job{
		Config:  cfg,
		Agent:   NewAgentClient(cfg.Agent, m, log),
		Adapter: adapter,
		Metrics: m,
		Logger:  log,
	}
	return job.Run(ctx)
}
