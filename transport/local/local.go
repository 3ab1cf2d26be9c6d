// Package local implements scheduler.Transport by fork-execing agent
// commands directly on the machine schedulerd runs on, grounded on the
// stdin/stdout/stderr pipe pattern used for subprocess tool execution
// elsewhere in this codebase.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	scheduler "github.com/fossology-go/scheduler"
	"golang.org/x/sys/unix"
)

// Transport spawns agents as direct child processes via os/exec. It has no
// notion of a remote address: Host.Name and Host.Address are not
// consulted, and every agent runs on this machine whatever host it was
// placed on.
type Transport struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

var _ scheduler.Transport = (*Transport)(nil)

// New creates a local fork-exec transport.
func New() *Transport {
	return &Transport{procs: make(map[int]*exec.Cmd)}
}

// Spawn starts meta.Command as a child process in host.WorkingDirectory.
func (t *Transport) Spawn(ctx context.Context, host *scheduler.Host, meta *scheduler.MetaAgent) (int, io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	if len(meta.Command) == 0 {
		return 0, nil, nil, nil, fmt.Errorf("local transport: meta-agent %q has no command", meta.Name)
	}

	cmd := exec.CommandContext(ctx, meta.Command[0], meta.Command[1:]...)
	cmd.Dir = host.WorkingDirectory
	cmd.Env = os.Environ()
	// New process group so Signal can target the whole group on kill,
	// not just the immediate child (spec §4.F forced termination).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("local transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("local transport: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, nil, nil, nil, fmt.Errorf("local transport: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, nil, nil, nil, fmt.Errorf("local transport: start: %w", err)
	}

	pid := cmd.Process.Pid
	t.mu.Lock()
	t.procs[pid] = cmd
	t.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		t.mu.Lock()
		delete(t.procs, pid)
		t.mu.Unlock()
	}()

	return pid, stdin, stdout, stderr, nil
}

// Signal delivers an OS signal to a spawned pid's process group.
func (t *Transport) Signal(ctx context.Context, host *scheduler.Host, pid int, sig scheduler.Signal) error {
	t.mu.Lock()
	_, ok := t.procs[pid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("local transport: unknown pid %d", pid)
	}

	var osSig syscall.Signal
	switch sig {
	case scheduler.SignalPause:
		osSig = syscall.SIGSTOP
	case scheduler.SignalResume:
		osSig = syscall.SIGCONT
	case scheduler.SignalTerminate:
		osSig = syscall.SIGTERM
	case scheduler.SignalKill:
		osSig = syscall.SIGKILL
	default:
		return fmt.Errorf("local transport: unknown signal %d", sig)
	}
	// Negative pid targets the whole process group created by Setpgid.
	if err := unix.Kill(-pid, osSig); err != nil {
		return fmt.Errorf("local transport: signal pid %d: %w", pid, err)
	}
	return nil
}

// Alive does a zero-signal liveness probe (the standard "kill -0" idiom)
// against a spawned pid, polled by the scheduler's livenessLoop alongside
// watchdogLoop's heartbeat-timeout detection.
func (t *Transport) Alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
