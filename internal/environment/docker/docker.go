// Package docker runs desktops as local Docker containers through the docker
// CLI.
package docker

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

// Provider implements environment.Provider with the docker CLI.
type Provider struct {
	binary string
	log    zerolog.Logger
}

// NewProvider creates a Docker provider.
func NewProvider(log zerolog.Logger) *Provider {
	return &Provider{binary: "docker", log: log.With().Str("component", "docker").Logger()}
}

func (p *Provider) Name() string {
	return "docker"
}

// PullImage pulls the image unless it is already present locally.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	if err := exec.CommandContext(ctx, p.binary, "image", "inspect", imageRef).Run(); err == nil {
		p.log.Debug().Str("image", imageRef).Msg("image present locally, skipping pull")
		return nil
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binary, "pull", "--quiet", imageRef)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling docker image: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
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

	cmd := exec.CommandContext(ctx, p.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("creating docker container: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	p.log.Debug().Str("container", opts.Name).Str("image", opts.ImageRef).Msg("container started")
	return &Container{binary: p.binary, name: opts.Name}, nil
}

// Container is a running Docker container.
type Container struct {
	binary string
	name   string
}

func (c *Container) ID() string {
	return c.name
}

// CopyTo copies a local file into the container, creating parent dirs.
func (c *Container) CopyTo(ctx context.Context, src, dst string) error {
	if dir := filepath.Dir(dst); dir != "/" && dir != "." {
		if err := exec.CommandContext(ctx, c.binary, "exec", c.name, "mkdir", "-p", dir).Run(); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return c.cp(ctx, src, c.name+":"+dst)
}

// CopyFrom copies a file out of the container.
func (c *Container) CopyFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}
	return c.cp(ctx, c.name+":"+src, dst)
}

func (c *Container) cp(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, c.binary, "cp", src, dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker cp %s %s: %w: %s", src, dst, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Exec runs cmd with bash inside the container.
func (c *Container) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := execArgs(c.name, cmd, opts)
	execCmd := exec.CommandContext(ctx, c.binary, args...)
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

func execArgs(name, cmd string, opts environment.ExecOptions) []string {
	args := []string{"exec"}
	for k, v := range opts.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	return append(args, name, "bash", "-c", cmd)
}

// Destroy force-removes the container. A missing container is not an error.
func (c *Container) Destroy(ctx context.Context) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.binary, "rm", "-f", c.name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such container") {
			return nil
		}
		return fmt.Errorf("removing container: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
