package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/synapsehq/synapse/pkg/workspace"
)

// Docker is the Sandbox adapter backed by the local Docker daemon.
type Docker struct {
	cli     *client.Client
	project string
}

// NewDocker creates a Docker-backed sandbox handle for a project. The
// container does not exist until Create is called.
func NewDocker(project string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &Docker{cli: cli, project: project}, nil
}

// ContainerName returns the fixed container name for a project's sandbox.
func ContainerName(project string) string { return "synapse-" + project }

// VolumeName returns the workspace volume name for a project.
func VolumeName(project string) string { return "synapse-" + project + "-workspace" }

func (d *Docker) containerName() string { return ContainerName(d.project) }

// Create creates (or recreates) the sandbox container and brings it online.
// A leftover container with the same name is removed first; the workspace
// volume is always reused if present.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	name := d.containerName()

	// Remove any leftover container from a previous run. The volume survives.
	if err := d.removeContainer(ctx); err != nil {
		return "", err
	}

	if _, err := d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: VolumeName(d.project)}); err != nil {
		return "", fmt.Errorf("sandbox: create volume: %w", err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	resources := container.Resources{}
	if spec.CPULimit > 0 {
		resources.NanoCPUs = int64(spec.CPULimit * 1e9)
	}
	if spec.MemoryLimitMB > 0 {
		resources.Memory = int64(spec.MemoryLimitMB) * 1024 * 1024
	}

	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Env:    env,
			Labels: map[string]string{"synapse.project": d.project},
		},
		&container.HostConfig{
			Resources: resources,
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: VolumeName(d.project),
				Target: workspace.DefaultRoot,
			}},
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
		nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("sandbox: create container: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("sandbox: start container: %w", err)
	}

	slog.Info("Sandbox created",
		"project", d.project,
		"container_id", created.ID[:12],
		"cpus", spec.CPULimit,
		"memory_mb", spec.MemoryLimitMB)
	return created.ID, nil
}

// Destroy removes the container, and the workspace volume when asked.
// Idempotent: a missing container or volume is not an error.
func (d *Docker) Destroy(ctx context.Context, removeVolume bool) error {
	if err := d.removeContainer(ctx); err != nil {
		return err
	}
	if removeVolume {
		if err := d.cli.VolumeRemove(ctx, VolumeName(d.project), true); err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("sandbox: remove volume: %w", err)
		}
	}
	return nil
}

func (d *Docker) removeContainer(ctx context.Context) error {
	err := d.cli.ContainerRemove(ctx, d.containerName(), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("sandbox: remove container: %w", err)
	}
	return nil
}

// Exec runs argv in the sandbox, returning combined output and exit code.
func (d *Docker) Exec(ctx context.Context, argv []string, timeout time.Duration) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, errors.New("sandbox: exec requires a command")
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := d.cli.ContainerExecCreate(execCtx, d.containerName(), container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workspace.DefaultRoot,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attached, err := d.cli.ContainerExecAttach(execCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil && execCtx.Err() == nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec read: %w", err)
	}
	if execCtx.Err() != nil {
		return ExecResult{ExitCode: -1, Stdout: stdout.String(), Stderr: "command timed out"},
			fmt.Errorf("sandbox: exec: %w", execCtx.Err())
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox: exec inspect: %w", err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// IP returns the container's internal address on the default bridge network.
func (d *Docker) IP(ctx context.Context) (string, error) {
	inspect, err := d.cli.ContainerInspect(ctx, d.containerName())
	if err != nil {
		return "", fmt.Errorf("sandbox: inspect: %w", err)
	}
	if inspect.NetworkSettings == nil {
		return "", errors.New("sandbox: no network settings")
	}
	if ip := inspect.NetworkSettings.IPAddress; ip != "" {
		return ip, nil
	}
	for _, net := range inspect.NetworkSettings.Networks {
		if net.IPAddress != "" {
			return net.IPAddress, nil
		}
	}
	return "", errors.New("sandbox: container has no ip address")
}

// Health reports whether the container exists and is running.
func (d *Docker) Health(ctx context.Context) error {
	inspect, err := d.cli.ContainerInspect(ctx, d.containerName())
	if err != nil {
		return fmt.Errorf("sandbox: inspect: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return errors.New("sandbox: container is not running")
	}
	return nil
}

// Running reports container liveness without an error return, for health
// endpoints that want a boolean.
func (d *Docker) Running(ctx context.Context) bool {
	return d.Health(ctx) == nil
}
