// Package modal runs desktops in Modal sandboxes.
package modal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/modal-labs/libmodal/modal-go"
	"github.com/rs/zerolog"

	"github.com/spachava753/deskeval/internal/environment"
)

// ProviderConfig holds Modal-specific configuration.
type ProviderConfig struct {
	// AppName is the Modal app sandboxes are created under. Defaults to "deskeval".
	AppName string
	// Regions restricts where sandboxes are scheduled (e.g., "us-east").
	Regions []string
	// Verbose enables detailed sandbox logging.
	Verbose bool
	// SandboxTimeout caps sandbox lifetime. Defaults to one hour.
	SandboxTimeout time.Duration
	// StopAppOnClose stops the app with the modal CLI when the provider closes.
	StopAppOnClose bool
}

// ParseProviderConfig extracts Modal-specific config from the generic
// provider_config map of the job file.
func ParseProviderConfig(config map[string]any) ProviderConfig {
	pc := ProviderConfig{AppName: "deskeval", SandboxTimeout: time.Hour}
	if config == nil {
		return pc
	}
	if v, ok := config["app_name"].(string); ok && v != "" {
		pc.AppName = v
	}
	if v, ok := config["region"].(string); ok {
		pc.Regions = []string{v}
	}
	if v, ok := config["regions"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				pc.Regions = append(pc.Regions, s)
			}
		}
	}
	if v, ok := config["verbose"].(bool); ok {
		pc.Verbose = v
	}
	switch v := config["sandbox_timeout_sec"].(type) {
	case int:
		pc.SandboxTimeout = time.Duration(v) * time.Second
	case float64:
		pc.SandboxTimeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := config["stop_app_on_close"].(bool); ok {
		pc.StopAppOnClose = v
	}
	return pc
}

// Provider implements environment.Provider using Modal sandboxes.
type Provider struct {
	client *modal.Client
	config ProviderConfig
	log    zerolog.Logger

	appOnce sync.Once
	app     *modal.App
	appErr  error
}

// NewProvider creates a Modal provider. Credentials come from the usual
// Modal config file or MODAL_TOKEN_ID/MODAL_TOKEN_SECRET.
func NewProvider(config ProviderConfig, log zerolog.Logger) (*Provider, error) {
	if config.AppName == "" {
		config.AppName = "deskeval"
	}
	if config.SandboxTimeout <= 0 {
		config.SandboxTimeout = time.Hour
	}
	log = log.With().Str("component", "modal").Logger()
	log.Debug().Msg("initializing modal client")
	client, err := modal.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Provider{client: client, config: config, log: log}, nil
}

func (p *Provider) Name() string {
	return "modal"
}

// PullImage is a no-op; Modal pulls registry images when a sandbox starts.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	p.log.Debug().Str("image", imageRef).Msg("modal pull is handled at sandbox creation")
	return nil
}

func (p *Provider) getApp(ctx context.Context) (*modal.App, error) {
	p.appOnce.Do(func() {
		p.log.Debug().Str("name", p.config.AppName).Msg("looking up modal app")
		p.app, p.appErr = p.client.Apps.FromName(ctx, p.config.AppName, &modal.AppFromNameParams{
			CreateIfMissing: true,
		})
	})
	return p.app, p.appErr
}

// CreateContainer starts a sandbox from a registry image.
func (p *Provider) CreateContainer(ctx context.Context, opts environment.ContainerOptions) (environment.Container, error) {
	app, err := p.getApp(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting modal app: %w", err)
	}

	image := p.client.Images.FromRegistry(opts.ImageRef, nil)

	cpus := opts.CPUs
	if cpus <= 0 {
		cpus = 2
	}
	memoryMiB := opts.MemoryMiB
	if memoryMiB <= 0 {
		memoryMiB = 4096
	}
	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}

	p.log.Debug().
		Str("name", opts.Name).
		Str("image", opts.ImageRef).
		Int("cpus", cpus).
		Int("memory_mib", memoryMiB).
		Strs("regions", p.config.Regions).
		Msg("creating modal sandbox")

	sandbox, err := p.client.Sandboxes.Create(ctx, app, image, &modal.SandboxCreateParams{
		CPU:       float64(cpus),
		MemoryMiB: memoryMiB,
		Env:       env,
		Timeout:   p.config.SandboxTimeout,
		Verbose:   p.config.Verbose,
		Regions:   p.config.Regions,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal sandbox: %w", err)
	}

	p.log.Debug().Str("sandbox_id", sandbox.SandboxID).Msg("modal sandbox created")
	return &Sandbox{sandbox: sandbox, log: p.log}, nil
}

// Close stops the Modal app when StopAppOnClose is set. The modal-go SDK does
// not expose app stop, so the modal CLI is used.
func (p *Provider) Close(ctx context.Context) error {
	if !p.config.StopAppOnClose {
		return nil
	}
	modalPath, err := exec.LookPath("modal")
	if err != nil {
		return fmt.Errorf("modal CLI not found, cannot stop app %s", p.config.AppName)
	}
	output, err := exec.CommandContext(ctx, modalPath, "app", "stop", p.config.AppName).CombinedOutput()
	if err != nil {
		out := string(output)
		if strings.Contains(out, "already stopped") || strings.Contains(out, "not found") || strings.Contains(out, "Could not find") {
			return nil
		}
		return fmt.Errorf("modal app stop failed: %s", out)
	}
	return nil
}

// Sandbox is a running Modal sandbox.
type Sandbox struct {
	sandbox *modal.Sandbox
	log     zerolog.Logger
}

func (s *Sandbox) ID() string {
	return s.sandbox.SandboxID
}

// CopyTo writes a local file into the sandbox filesystem.
func (s *Sandbox) CopyTo(ctx context.Context, src, dst string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}
	if dir := filepath.Dir(dst); dir != "/" && dir != "." {
		if code, err := s.Exec(ctx, fmt.Sprintf("mkdir -p %q", dir), nil, nil, environment.ExecOptions{}); err != nil || code != 0 {
			return fmt.Errorf("creating directory %s: exit %d: %v", dir, code, err)
		}
	}

	f, err := s.sandbox.Open(ctx, dst, "w")
	if err != nil {
		return fmt.Errorf("opening destination file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("writing to destination: %w", err)
	}
	if err := f.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing file: %w", err)
	}
	return f.Close()
}

// CopyFrom reads a file out of the sandbox filesystem.
func (s *Sandbox) CopyFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}
	f, err := s.sandbox.Open(ctx, src, "r")
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	content, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}
	if err := os.WriteFile(dst, content, 0644); err != nil {
		return fmt.Errorf("writing destination file: %w", err)
	}
	return nil
}

// Exec runs cmd with bash inside the sandbox.
func (s *Sandbox) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	params := &modal.SandboxExecParams{Env: opts.Env}
	if opts.Timeout > 0 {
		params.Timeout = opts.Timeout
	}
	if opts.WorkDir != "" {
		params.Workdir = opts.WorkDir
	}

	process, err := s.sandbox.Exec(ctx, []string{"bash", "-c", cmd}, params)
	if err != nil {
		return -1, fmt.Errorf("executing command: %w", err)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	var wg sync.WaitGroup
	wg.Go(func() { io.Copy(stdout, process.Stdout) })
	wg.Go(func() { io.Copy(stderr, process.Stderr) })
	wg.Wait()

	exitCode, err := process.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("waiting for process: %w", err)
	}
	if exitCode != 0 {
		s.log.Debug().Str("sandbox_id", s.sandbox.SandboxID).Int("exit_code", exitCode).Msg("command exited with non-zero code")
	}
	return exitCode, nil
}

// Destroy terminates the sandbox.
func (s *Sandbox) Destroy(ctx context.Context) error {
	s.log.Debug().Str("sandbox_id", s.sandbox.SandboxID).Msg("terminating modal sandbox")
	if err := s.sandbox.Terminate(ctx); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "already terminated") || strings.Contains(msg, "not found") {
			return nil
		}
		return fmt.Errorf("terminating sandbox: %w", err)
	}
	return nil
}
