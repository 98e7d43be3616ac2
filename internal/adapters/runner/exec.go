// Package runner spawns external build/launch commands with os/exec.
// Each child gets its own process group so the whole tree can be
// signalled together, and merged stdout/stderr is streamed line by line.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/ports"
)

type ExecRunner struct{}

func New() *ExecRunner {
	return &ExecRunner{}
}

// Start spawns the command and returns a streaming handle. The context
// only gates setup; a started process outlives it and is stopped through
// the handle or the process registry.
func (r *ExecRunner) Start(ctx context.Context, spec domain.CommandSpec) (ports.Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("argv cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Argv[0], err)
	}
	// The child holds the write end now.
	pw.Close()

	h := &handle{
		cmd:   cmd,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}

	go func() {
		defer pr.Close()
		defer close(h.lines)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
	}()

	go func() {
		cmd.Wait()
		h.state.Store(cmd.ProcessState)
		close(h.done)
	}()

	return h, nil
}

// Run executes a one-shot command and captures its combined output. A
// nonzero exit is reported in the result, not as an error.
func (r *ExecRunner) Run(ctx context.Context, spec domain.CommandSpec) (*ports.RunResult, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("argv cannot be empty")
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(spec.Env)

	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, fmt.Errorf("failed to run %s: %w", spec.Argv[0], err)
		}
	}
	return &ports.RunResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Output:   string(out),
	}, nil
}

type handle struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}
	state atomic.Pointer[os.ProcessState]
}

func (h *handle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *handle) Lines() <-chan string {
	return h.lines
}

func (h *handle) Wait(timeout time.Duration) (int, error) {
	select {
	case <-h.done:
		return h.state.Load().ExitCode(), nil
	case <-time.After(timeout):
		return -1, fmt.Errorf("process %d still running after %s", h.Pid(), timeout)
	}
}

// Terminate sends SIGTERM to the child's process group.
func (h *handle) Terminate() error {
	return h.signalGroup(syscall.SIGTERM)
}

// Kill sends SIGKILL to the child's process group.
func (h *handle) Kill() error {
	return h.signalGroup(syscall.SIGKILL)
}

func (h *handle) signalGroup(sig syscall.Signal) error {
	// Setpgid makes the child its own group leader, so -pid addresses
	// the whole group.
	err := syscall.Kill(-h.Pid(), sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
