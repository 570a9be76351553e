package environment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spachava753/deskeval/internal/models"
)

// containerWorkDir holds the task config and frames inside the container.
const containerWorkDir = "/tmp/deskeval"

// DesktopOptions configures a ContainerAdapter.
type DesktopOptions struct {
	Image string
	// Controller is the in-image command that drives the desktop. It is
	// invoked as "<controller> reset|step|close" and prints one JSON object.
	Controller     string
	CPUs           int
	MemoryMiB      int
	Env            map[string]string
	Screen         Screen
	StepTimeout    time.Duration
	AcquireTimeout time.Duration
	Logger         zerolog.Logger
}

// ContainerAdapter runs each desktop in its own container created by a
// Provider, and drives it through the in-image controller command.
type ContainerAdapter struct {
	provider Provider
	opts     DesktopOptions
	log      zerolog.Logger

	pullMu sync.Mutex
	pulled bool
}

// defaultPullTimeout bounds an image pull when no acquire timeout is set.
const defaultPullTimeout = 15 * time.Minute

// NewContainerAdapter creates an adapter over provider.
func NewContainerAdapter(provider Provider, opts DesktopOptions) *ContainerAdapter {
	if opts.Controller == "" {
		opts.Controller = "desktopctl"
	}
	return &ContainerAdapter{
		provider: provider,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "desktop").Str("provider", provider.Name()).Logger(),
	}
}

// Name returns the provider name.
func (a *ContainerAdapter) Name() string {
	return a.provider.Name()
}

// controllerReply is what the controller prints on stdout.
type controllerReply struct {
	Observation WireObservation `json:"observation"`
	Reward      float64         `json:"reward"`
	Done        bool            `json:"done"`
	Error       string          `json:"error,omitempty"`
}

// Acquire creates a container, copies the task config in, and resets the
// desktop. The container is destroyed if any of that fails.
func (a *ContainerAdapter) Acquire(ctx context.Context, task models.TaskDescriptor) (Lease, models.Observation, error) {
	if a.opts.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.AcquireTimeout)
		defer cancel()
	}

	if err := a.ensureImage(ctx); err != nil {
		return nil, models.Observation{}, &AdapterError{Op: "acquire", Err: fmt.Errorf("pulling image: %w", err)}
	}

	name := "deskeval-" + uuid.NewString()[:8]
	log := a.log.With().Str("task_id", task.ID()).Str("container", name).Logger()
	log.Debug().Str("image", a.opts.Image).Msg("creating desktop container")

	container, err := a.provider.CreateContainer(ctx, ContainerOptions{
		Name:      name,
		ImageRef:  a.opts.Image,
		CPUs:      a.opts.CPUs,
		MemoryMiB: a.opts.MemoryMiB,
		Env:       a.opts.Env,
	})
	if err != nil {
		return nil, models.Observation{}, &AdapterError{Op: "acquire", Err: err}
	}

	localDir, err := os.MkdirTemp("", "deskeval-lease-*")
	if err != nil {
		a.destroy(container, log)
		return nil, models.Observation{}, &AdapterError{Op: "acquire", Err: fmt.Errorf("creating local scratch dir: %w", err)}
	}

	lease := &containerLease{
		adapter:   a,
		container: container,
		localDir:  localDir,
		log:       log,
	}

	obs, err := lease.reset(ctx, task)
	if err != nil {
		a.destroy(container, log)
		os.RemoveAll(localDir)
		return nil, models.Observation{}, &AdapterError{Op: "acquire", Err: err}
	}
	return lease, obs, nil
}

// ensureImage pulls the image once per adapter. Only a successful pull is
// remembered; a failed one is retried by the next Acquire. The pull is
// shared by every session, so it outlives the caller's cancellation.
func (a *ContainerAdapter) ensureImage(ctx context.Context) error {
	a.pullMu.Lock()
	defer a.pullMu.Unlock()
	if a.pulled {
		return nil
	}

	timeout := a.opts.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultPullTimeout
	}
	pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := a.provider.PullImage(pullCtx, a.opts.Image); err != nil {
		a.log.Warn().Err(err).Str("image", a.opts.Image).Msg("image pull failed")
		return err
	}
	a.pulled = true
	return nil
}

func (a *ContainerAdapter) destroy(c Container, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.Destroy(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to destroy container")
	}
}

type containerLease struct {
	adapter   *ContainerAdapter
	container Container
	localDir  string
	log       zerolog.Logger

	mu       sync.Mutex
	step     int
	released bool
}

func (l *containerLease) ID() string {
	return l.container.ID()
}

func (l *containerLease) reset(ctx context.Context, task models.TaskDescriptor) (models.Observation, error) {
	cfg := task.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	localCfg := filepath.Join(l.localDir, "task.json")
	if err := os.WriteFile(localCfg, cfg, 0644); err != nil {
		return models.Observation{}, fmt.Errorf("writing task config: %w", err)
	}
	remoteCfg := containerWorkDir + "/task.json"
	if err := l.container.CopyTo(ctx, localCfg, remoteCfg); err != nil {
		return models.Observation{}, fmt.Errorf("copying task config: %w", err)
	}

	screen := l.adapter.opts.Screen
	cmd := fmt.Sprintf("%s reset --task %s --screen %s", l.adapter.opts.Controller, remoteCfg, screen)
	reply, err := l.run(ctx, cmd, nil, 0)
	if err != nil {
		return models.Observation{}, err
	}
	return l.observation(ctx, reply.Observation, 0)
}

// Step runs "<controller> step" with the action as JSON in DESKEVAL_ACTION.
func (l *containerLease) Step(ctx context.Context, action models.Action) (StepResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return StepResult{}, &AdapterError{Op: "step", Err: ErrReleased}
	}

	payload, err := json.Marshal(action)
	if err != nil {
		return StepResult{}, &AdapterError{Op: "step", Err: fmt.Errorf("encoding action: %w", err)}
	}

	reply, err := l.run(ctx, l.adapter.opts.Controller+" step", map[string]string{"DESKEVAL_ACTION": string(payload)}, l.adapter.opts.StepTimeout)
	if err != nil {
		return StepResult{}, &AdapterError{Op: "step", Err: err}
	}
	l.step++
	obs, err := l.observation(ctx, reply.Observation, l.step)
	if err != nil {
		return StepResult{}, &AdapterError{Op: "step", Err: err}
	}
	return StepResult{Observation: obs, Reward: reply.Reward, Done: reply.Done}, nil
}

// Release asks the controller to close the desktop, then destroys the
// container. Only the destroy error is reported.
func (l *containerLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return ErrReleased
	}
	l.released = true
	defer os.RemoveAll(l.localDir)

	if _, err := l.run(ctx, l.adapter.opts.Controller+" close", nil, l.adapter.opts.StepTimeout); err != nil {
		l.log.Debug().Err(err).Msg("controller close failed")
	}
	if err := l.container.Destroy(ctx); err != nil {
		return &AdapterError{Op: "release", Err: err}
	}
	l.log.Debug().Msg("desktop container destroyed")
	return nil
}

func (l *containerLease) run(ctx context.Context, cmd string, env map[string]string, timeout time.Duration) (controllerReply, error) {
	var stdout, stderr bytes.Buffer
	exitCode, err := l.container.Exec(ctx, cmd, &stdout, &stderr, ExecOptions{Env: env, Timeout: timeout})
	if err != nil {
		return controllerReply{}, fmt.Errorf("running controller: %w", err)
	}
	if exitCode != 0 {
		return controllerReply{}, fmt.Errorf("controller exited with code %d: %s", exitCode, strings.TrimSpace(stderr.String()))
	}

	var reply controllerReply
	if err := json.Unmarshal(lastLine(stdout.Bytes()), &reply); err != nil {
		return controllerReply{}, fmt.Errorf("decoding controller output: %w", err)
	}
	if reply.Error != "" {
		return controllerReply{}, fmt.Errorf("controller: %s", reply.Error)
	}
	return reply, nil
}

func (l *containerLease) observation(ctx context.Context, w WireObservation, step int) (models.Observation, error) {
	obs, err := w.Decode(step, l.adapter.opts.Screen)
	if err != nil {
		return models.Observation{}, err
	}
	if len(obs.Screenshot) == 0 && w.ScreenshotPath != "" {
		local := filepath.Join(l.localDir, "frame.png")
		if err := l.container.CopyFrom(ctx, w.ScreenshotPath, local); err != nil {
			return models.Observation{}, fmt.Errorf("fetching screenshot: %w", err)
		}
		data, err := os.ReadFile(local)
		if err != nil {
			return models.Observation{}, fmt.Errorf("reading screenshot: %w", err)
		}
		obs.Screenshot = data
	}
	return obs, nil
}

// lastLine returns the last non-empty line, so controllers may log to
// stdout before printing their reply.
func lastLine(out []byte) []byte {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	return bytes.TrimSpace(lines[len(lines)-1])
}
