// Package docker implements scheduler.Transport by running each agent in
// its own container, using the Docker client already carried in this
// module's dependency stack (github.com/docker/docker).
package docker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	scheduler "github.com/fossology-go/scheduler"
)

// Transport spawns one container per agent from a fixed image. Host.Address
// is ignored; which daemon to talk to is a property of the *client.Client,
// not of the placement target (spec §4.C hosts are placement groups, not
// necessarily distinct machines for this transport).
type Transport struct {
	cli   *client.Client
	image string

	mu      sync.Mutex
	ids     map[int]string
	nextPid int
}

var _ scheduler.Transport = (*Transport)(nil)

// New creates a Docker transport that runs agent containers from image
// using an already-configured client.
func New(cli *client.Client, image string) *Transport {
	return &Transport{cli: cli, image: image, ids: make(map[int]string), nextPid: 1}
}

// Spawn creates, attaches to, and starts a container running meta.Command.
// Docker containers have no OS pid visible to the scheduler host, so Spawn
// hands back a synthetic transport-local id used only to key Signal calls.
func (t *Transport) Spawn(ctx context.Context, host *scheduler.Host, meta *scheduler.MetaAgent) (int, io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	if len(meta.Command) == 0 {
		return 0, nil, nil, nil, fmt.Errorf("docker transport: meta-agent %q has no command", meta.Name)
	}

	created, err := t.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        t.image,
			Cmd:          meta.Command,
			WorkingDir:   host.WorkingDirectory,
			OpenStdin:    true,
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
		},
		&container.HostConfig{AutoRemove: true},
		nil, nil, "")
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("docker transport: create: %w", err)
	}

	hijack, err := t.cli.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("docker transport: attach: %w", err)
	}

	if err := t.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		hijack.Close()
		return 0, nil, nil, nil, fmt.Errorf("docker transport: start: %w", err)
	}

	t.mu.Lock()
	pid := t.nextPid
	t.nextPid++
	t.ids[pid] = created.ID
	t.mu.Unlock()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, hijack.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
		hijack.Close()
	}()

	return pid, hijack.Conn, stdoutR, stderrR, nil
}

// Signal maps the scheduler's transport-agnostic signals onto the Docker
// API's pause/unpause/kill operations.
func (t *Transport) Signal(ctx context.Context, host *scheduler.Host, pid int, sig scheduler.Signal) error {
	t.mu.Lock()
	id, ok := t.ids[pid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("docker transport: unknown container for pid %d", pid)
	}

	switch sig {
	case scheduler.SignalPause:
		return t.cli.ContainerPause(ctx, id)
	case scheduler.SignalResume:
		return t.cli.ContainerUnpause(ctx, id)
	case scheduler.SignalTerminate:
		return t.cli.ContainerKill(ctx, id, "SIGTERM")
	case scheduler.SignalKill:
		return t.cli.ContainerKill(ctx, id, "SIGKILL")
	default:
		return fmt.Errorf("docker transport: unknown signal %d", sig)
	}
}
