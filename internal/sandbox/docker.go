// Package sandbox drives the container runtime that isolates worker runs.
// All interaction goes through the docker CLI so the host needs no SDK, only
// a working docker binary.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Status is the coarse container state reported by the runtime.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
	StatusDead    Status = "dead"
	StatusUnknown Status = "unknown"
)

// Terminal returns true once the container can no longer produce output.
func (s Status) Terminal() bool {
	return s == StatusExited || s == StatusDead
}

// Mount binds a host path into the container.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// Spec describes one sandbox to launch.
type Spec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Mounts      []Mount
	NetworkMode string
	Memory      string // docker --memory value, e.g. "4g"
	CPUs        int    // docker --cpus value; 0 means unlimited
}

// Runtime is the container-runtime collaborator consumed by supervisors.
// Logs returns the cumulative byte stream; callers track their own offsets.
type Runtime interface {
	Launch(ctx context.Context, spec Spec) (id string, err error)
	Status(ctx context.Context, id string) (Status, error)
	Logs(ctx context.Context, id string) ([]byte, error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error
}

// DockerRuntime implements Runtime using the Docker CLI.
type DockerRuntime struct {
	logger *slog.Logger
	runner CommandRunner
}

// NewDockerRuntime creates a DockerRuntime.
func NewDockerRuntime(logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{
		logger: logger.With("component", "docker-runtime"),
		runner: &osCommandRunner{},
	}
}

// newDockerRuntimeWithRunner is used by tests to inject a mock CommandRunner.
func newDockerRuntimeWithRunner(logger *slog.Logger, runner CommandRunner) *DockerRuntime {
	return &DockerRuntime{
		logger: logger.With("component", "docker-runtime"),
		runner: runner,
	}
}

// Ping verifies the docker daemon is reachable. Called once at startup so a
// misconfigured host fails before any task processing begins.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, stderr, code, err := r.runner.Run(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker unavailable: %s", strings.TrimSpace(stderr))
	}
	return nil
}

// BuildImage builds the shared agent base image from a Dockerfile directory.
func (r *DockerRuntime) BuildImage(ctx context.Context, dir, dockerfile, tag string) error {
	r.logger.Info("building image", "dir", dir, "dockerfile", dockerfile, "tag", tag)

	_, stderr, code, err := r.runner.Run(ctx, "docker",
		"build", "-f", dockerfile, "-t", tag, "--rm", dir)
	if err != nil {
		return fmt.Errorf("docker build: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker build exit %d: %s", code, tail(stderr))
	}

	r.logger.Info("image built", "tag", tag)
	return nil
}

// Launch starts a detached container and returns its ID.
func (r *DockerRuntime) Launch(ctx context.Context, spec Spec) (string, error) {
	args := []string{"run", "-d", "--name", spec.Name}

	if spec.NetworkMode != "" {
		args = append(args, "--network", spec.NetworkMode)
	}
	if spec.Memory != "" {
		args = append(args, "--memory", spec.Memory)
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(spec.CPUs))
	}
	for _, m := range spec.Mounts {
		bind := m.Host + ":" + m.Container
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	stdout, stderr, code, err := r.runner.Run(ctx, "docker", args...)
	if err != nil {
		return "", fmt.Errorf("docker run: %w", err)
	}
	if code != 0 {
		return "", fmt.Errorf("docker run exit %d: %s", code, tail(stderr))
	}

	id := strings.TrimSpace(stdout)
	r.logger.Debug("container launched", "name", spec.Name, "id", short(id), "image", spec.Image)
	return id, nil
}

// Status inspects the container state.
func (r *DockerRuntime) Status(ctx context.Context, id string) (Status, error) {
	stdout, stderr, code, err := r.runner.Run(ctx, "docker",
		"inspect", "-f", "{{.State.Status}}", id)
	if err != nil {
		return StatusUnknown, fmt.Errorf("docker inspect: %w", err)
	}
	if code != 0 {
		return StatusUnknown, fmt.Errorf("docker inspect exit %d: %s", code, tail(stderr))
	}

	switch s := strings.TrimSpace(stdout); s {
	case "created", "restarting", "paused":
		return StatusCreated, nil
	case "running", "removing":
		return StatusRunning, nil
	case "exited":
		return StatusExited, nil
	case "dead":
		return StatusDead, nil
	default:
		return StatusUnknown, nil
	}
}

// Logs returns the container's cumulative stdout+stderr. Errors here are
// usually transient runtime races during teardown; callers retry next poll.
func (r *DockerRuntime) Logs(ctx context.Context, id string) ([]byte, error) {
	stdout, stderr, code, err := r.runner.Run(ctx, "docker", "logs", id)
	if err != nil {
		return nil, fmt.Errorf("docker logs: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("docker logs exit %d: %s", code, tail(stderr))
	}
	// docker logs interleaves streams on stdout for non-TTY containers; the
	// CLI puts the container's stderr on our stderr, so keep both.
	return []byte(stdout + stderr), nil
}

// Stop stops the container, allowing grace for in-flight writes.
func (r *DockerRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	_, stderr, code, err := r.runner.Run(ctx, "docker", "stop", "-t", strconv.Itoa(secs), id)
	if err != nil {
		return fmt.Errorf("docker stop: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker stop exit %d: %s", code, tail(stderr))
	}
	return nil
}

// Remove force-removes the container.
func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	_, stderr, code, err := r.runner.Run(ctx, "docker", "rm", "-f", id)
	if err != nil {
		return fmt.Errorf("docker rm: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("docker rm exit %d: %s", code, tail(stderr))
	}
	return nil
}

// short truncates container IDs for logs.
func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// tail keeps error output readable when docker dumps pages of build context.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 400 {
		return "…" + s[len(s)-400:]
	}
	return s
}
