package environment

import (
	"context"
	"io"
	"time"
)

// Container is a running sandbox that hosts one simulated desktop.
type Container interface {
	// ID returns the unique identifier for this container.
	ID() string

	// CopyTo copies a local file into the container.
	CopyTo(ctx context.Context, src, dst string) error

	// CopyFrom copies a file from the container to a local path.
	CopyFrom(ctx context.Context, src, dst string) error

	// Exec runs cmd through bash inside the container, streaming output to
	// the writers. A non-zero exit code is not an error.
	Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts ExecOptions) (int, error)

	// Destroy removes the container and everything it holds.
	Destroy(ctx context.Context) error
}

// ExecOptions configures command execution.
type ExecOptions struct {
	Env     map[string]string
	Timeout time.Duration
	WorkDir string
}

// Provider creates containers from prebuilt desktop images.
type Provider interface {
	// Name returns the provider name ("docker", "modal", "apple").
	Name() string

	// PullImage makes the image available to the provider.
	PullImage(ctx context.Context, imageRef string) error

	// CreateContainer creates and starts a new container.
	CreateContainer(ctx context.Context, opts ContainerOptions) (Container, error)
}

// ContainerOptions configures container creation.
type ContainerOptions struct {
	Name      string
	ImageRef  string
	CPUs      int
	MemoryMiB int
	Env       map[string]string
}
