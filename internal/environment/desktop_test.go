package environment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/deskeval/internal/models"
)

type fakeProvider struct {
	pulls      int
	pullErrs   []error
	pullCtxErr error
	createErr  error
	container  *fakeContainer
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) PullImage(ctx context.Context, imageRef string) error {
	p.pulls++
	p.pullCtxErr = ctx.Err()
	if len(p.pullErrs) > 0 {
		err := p.pullErrs[0]
		p.pullErrs = p.pullErrs[1:]
		return err
	}
	return nil
}

func (p *fakeProvider) CreateContainer(ctx context.Context, opts ContainerOptions) (Container, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.container.name = opts.Name
	return p.container, nil
}

// fakeContainer emulates the in-image controller.
type fakeContainer struct {
	mu        sync.Mutex
	name      string
	files     map[string][]byte
	commands  []string
	actions   []models.Action
	failStep  int
	steps     int
	destroyed int
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{files: map[string][]byte{"/tmp/shot.png": []byte("PNGDATA")}}
}

func (c *fakeContainer) ID() string { return c.name }

func (c *fakeContainer) CopyTo(ctx context.Context, src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	c.files[dst] = data
	return nil
}

func (c *fakeContainer) CopyFrom(ctx context.Context, src, dst string) error {
	data, ok := c.files[src]
	if !ok {
		return fmt.Errorf("no such file %s", src)
	}
	return os.WriteFile(dst, data, 0644)
}

func (c *fakeContainer) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts ExecOptions) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	switch {
	case strings.Contains(cmd, " reset "):
		if _, ok := c.files["/tmp/deskeval/task.json"]; !ok {
			fmt.Fprint(stderr, "task config missing")
			return 2, nil
		}
		fmt.Fprintln(stdout, "booting desktop")
		fmt.Fprintln(stdout, `{"observation":{"screenshot_path":"/tmp/shot.png","width":1280,"height":720}}`)
	case strings.HasSuffix(cmd, " step"):
		c.steps++
		if c.steps == c.failStep {
			fmt.Fprint(stderr, "xdotool crashed")
			return 1, nil
		}
		var a models.Action
		if err := json.Unmarshal([]byte(opts.Env["DESKEVAL_ACTION"]), &a); err != nil {
			return -1, err
		}
		c.actions = append(c.actions, a)
		fmt.Fprintf(stdout, `{"observation":{"screenshot_b64":"AAE="},"reward":0.5,"done":%t}`+"\n", a.Kind == models.ActionCode)
	case strings.HasSuffix(cmd, " close"):
		fmt.Fprintln(stdout, `{}`)
	}
	return 0, nil
}

func (c *fakeContainer) Destroy(ctx context.Context) error {
	c.destroyed++
	return nil
}

func newAdapter(p *fakeProvider) *ContainerAdapter {
	return NewContainerAdapter(p, DesktopOptions{
		Image:  "desk:latest",
		Screen: Screen{Width: 1920, Height: 1080},
		Logger: zerolog.Nop(),
	})
}

func TestContainerAdapterLifecycle(t *testing.T) {
	c := newFakeContainer()
	p := &fakeProvider{container: c}
	a := newAdapter(p)
	task := models.TaskDescriptor{Domain: "chrome", ExampleID: "1", Config: json.RawMessage(`{"instruction":"x"}`)}

	lease, obs, err := a.Acquire(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, []byte("PNGDATA"), obs.Screenshot)
	assert.Equal(t, 1280, obs.Width)
	assert.Equal(t, 0, obs.Step)
	assert.JSONEq(t, `{"instruction":"x"}`, string(c.files["/tmp/deskeval/task.json"]))
	assert.Contains(t, c.commands[0], "desktopctl reset --task /tmp/deskeval/task.json --screen 1920x1080")

	res, err := lease.Step(context.Background(), models.WaitAction(0))
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, 0.5, res.Reward)
	assert.Equal(t, []byte{0x00, 0x01}, res.Observation.Screenshot)
	assert.Equal(t, 1920, res.Observation.Width, "falls back to requested screen")
	assert.Equal(t, 1, res.Observation.Step)

	res, err = lease.Step(context.Background(), models.Action{Kind: models.ActionCode, Code: "pyautogui.click(1, 2)"})
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "pyautogui.click(1, 2)", c.actions[1].Code)

	require.NoError(t, lease.Release(context.Background()))
	assert.Equal(t, 1, c.destroyed)
	assert.ErrorIs(t, lease.Release(context.Background()), ErrReleased)
	assert.Equal(t, 1, c.destroyed)

	_, err = lease.Step(context.Background(), models.WaitAction(0))
	assert.True(t, IsAdapterError(err))
}

func TestContainerAdapterStepFailure(t *testing.T) {
	c := newFakeContainer()
	c.failStep = 1
	a := newAdapter(&fakeProvider{container: c})

	lease, _, err := a.Acquire(context.Background(), models.TaskDescriptor{Domain: "os", ExampleID: "2"})
	require.NoError(t, err)

	_, err = lease.Step(context.Background(), models.WaitAction(0))
	require.Error(t, err)
	var ae *AdapterError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "step", ae.Op)
	assert.Contains(t, err.Error(), "xdotool crashed")
	require.NoError(t, lease.Release(context.Background()))
}

func TestContainerAdapterCreateFailure(t *testing.T) {
	p := &fakeProvider{createErr: errors.New("no capacity")}
	a := newAdapter(p)

	_, _, err := a.Acquire(context.Background(), models.TaskDescriptor{Domain: "os", ExampleID: "1"})
	require.Error(t, err)
	assert.True(t, IsAdapterError(err))
	assert.Equal(t, 1, p.pulls)

	_, _, err = a.Acquire(context.Background(), models.TaskDescriptor{Domain: "os", ExampleID: "1"})
	require.Error(t, err)
	assert.Equal(t, 1, p.pulls, "image pulled once per adapter")
}

func TestContainerAdapterRetriesFailedPull(t *testing.T) {
	c := newFakeContainer()
	p := &fakeProvider{container: c, pullErrs: []error{errors.New("registry hiccup")}}
	a := newAdapter(p)
	task := models.TaskDescriptor{Domain: "os", ExampleID: "1"}

	// The first session's context is already gone; the shared pull must
	// not inherit that.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := a.Acquire(ctx, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry hiccup")
	assert.NoError(t, p.pullCtxErr)

	lease, _, err := a.Acquire(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 2, p.pulls)
	require.NoError(t, lease.Release(context.Background()))

	lease, _, err = a.Acquire(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 2, p.pulls, "successful pull is remembered")
	require.NoError(t, lease.Release(context.Background()))
}
