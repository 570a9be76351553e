// Package apple runs desktops as Apple Container VMs on macOS through the
// container CLI.
package apple

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/spachava753/deskeval/internal/environment"
)

const binary = "container"

// Provider implements environment.Provider with the Apple container CLI.
type Provider struct {
	config ProviderConfig
	log    zerolog.Logger
}

// NewProvider creates an Apple Container provider. It fails when the
// container CLI is not installed.
func NewProvider(cfg ProviderConfig, log zerolog.Logger) (*Provider, error) {
	if _, err := exec.LookPath(binary); err != nil {
		return nil, errors.New("apple container CLI not found: install from https://github.com/apple/container or run: brew install container")
	}
	return &Provider{config: cfg, log: log.With().Str("component", "apple").Logger()}, nil
}

func (p *Provider) Name() string {
	return "apple"
}

// PullImage pulls a pre-built image from a registry.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "image", "pull", imageRef)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling container image: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	p.log.Debug().Str("image", imageRef).Msg("container image pulled")
	return nil
}

// CreateContainer starts a detached container that idles until destroyed.
func (p *Provider) CreateContainer(ctx context.Context, opts environment.ContainerOptions) (environment.Container, error) {
	if opts.Name == "" {
		return nil, errors.New("container name is required")
	}

	args := []string{"run", "-d", "--name", opts.Name}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.CPUs))
	}
	if opts.MemoryMiB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMiB))
	}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, opts.ImageRef, "sleep", "infinity")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("creating apple container: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	// some CLI versions print nothing on success
	id := strings.TrimSpace(stdout.String())
	if id == "" {
		id = opts.Name
	}
	uid, gid := detectRuntimeUser(ctx, id, p.config, p.log)
	p.log.Debug().Str("container", id).Str("uid", uid).Msg("apple container created")

	return &Container{id: id, uid: uid, gid: gid, log: p.log}, nil
}

// Container is a running Apple Container.
type Container struct {
	id  string
	uid string
	gid string
	log zerolog.Logger
}

func (c *Container) ID() string {
	return c.id
}

// Exec runs cmd with bash inside the container as the runtime user.
func (c *Container) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, binary, execArgs(c.id, c.uid, cmd, opts)...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	if err := execCmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, fmt.Errorf("command timed out after %s", opts.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executing command: %w", err)
	}
	return 0, nil
}

func execArgs(id, uid, cmd string, opts environment.ExecOptions) []string {
	args := []string{"exec"}
	if uid != "" && uid != "0" {
		args = append(args, "--uid", uid)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	return append(args, id, "bash", "-c", cmd)
}

// CopyTo copies a local file into the container by piping tar, since the
// container CLI has no cp.
func (c *Container) CopyTo(ctx context.Context, src, dst string) error {
	if err := validatePath(dst); err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := exec.CommandContext(ctx, binary, "exec", "-u", "root", c.id, "mkdir", "-p", dir).Run(); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// stage under the destination name so tar extracts it in place
	staged := src
	if filepath.Base(src) != filepath.Base(dst) {
		tmp, err := os.MkdirTemp("", "deskeval-copy-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		staged = filepath.Join(tmp, filepath.Base(dst))
		if err := copyFile(src, staged); err != nil {
			return err
		}
	}

	tarCmd := exec.CommandContext(ctx, "tar", "-c", "-C", filepath.Dir(staged), filepath.Base(staged))
	extractCmd := exec.CommandContext(ctx, binary, "exec", "-i", "-u", "root", c.id, "tar", "-xp", "-C", dir)
	if err := runPipeline(tarCmd, extractCmd); err != nil {
		return fmt.Errorf("copying to container: %w", err)
	}

	if c.uid != "" {
		owner := c.uid + ":" + c.gid
		if err := exec.CommandContext(ctx, binary, "exec", "-u", "root", c.id, "chown", owner, dst).Run(); err != nil {
			c.log.Debug().Err(err).Str("path", dst).Msg("chown failed")
		}
	}
	return nil
}

// CopyFrom copies a file out of the container.
func (c *Container) CopyFrom(ctx context.Context, src, dst string) error {
	if err := validatePath(src); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "exec", "-u", "root", c.id, "cat", src)
	cmd.Stdout = f
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying from container: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return f.Close()
}

// Destroy force-removes the container. A missing container is not an error.
func (c *Container) Destroy(ctx context.Context) error {
	output, err := exec.CommandContext(ctx, binary, "rm", "--force", c.id).CombinedOutput()
	if err != nil {
		msg := string(output)
		if strings.Contains(msg, "No such container") || strings.Contains(msg, "not found") {
			return nil
		}
		return fmt.Errorf("removing container: %w: %s", err, strings.TrimSpace(msg))
	}
	return nil
}
