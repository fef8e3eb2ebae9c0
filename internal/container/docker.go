package container

import (
	"bytes"
	"context"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/juju/errors"
)

// execSettle bounds how long Exec waits for the daemon to report an exit code
// after the output stream has closed.
const execSettle = 5 * time.Second

// DockerRuntime implements Runtime on top of the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects using the standard DOCKER_* environment. A
// non-empty host overrides DOCKER_HOST.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Annotate(err, "docker client")
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, name string) (State, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return StateAbsent, nil
		}
		return StateAbsent, errors.Annotatef(err, "inspect container %s", name)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return StateStopped, nil
	}
	if info.State.Status == "running" {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Exec runs cmd inside the container and collects combined stdout/stderr.
func (d *DockerRuntime) Exec(ctx context.Context, name string, cmd []string) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, errors.Annotatef(err, "exec create in %s", name)
	}
	att, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, errors.Annotatef(err, "exec attach in %s", name)
	}
	defer att.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, att.Reader); err != nil {
		return ExecResult{}, errors.Annotatef(err, "exec read output in %s", name)
	}

	deadline := time.Now().Add(execSettle)
	for {
		ins, err := d.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return ExecResult{}, errors.Annotatef(err, "exec inspect in %s", name)
		}
		if !ins.Running {
			return ExecResult{ExitCode: ins.ExitCode, Output: out.String()}, nil
		}
		if time.Now().After(deadline) {
			return ExecResult{}, errors.Errorf("exec in %s still running after output closed", name)
		}
		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Close releases the underlying HTTP transport.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}
