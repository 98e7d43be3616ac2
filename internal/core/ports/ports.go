package ports

import (
	"context"
	"time"

	"previz.stage/internal/core/domain"
)

// DisplayLauncher drives the external virtual-display server. Both calls
// are opaque commands bounded by the context deadline; the core never
// reimplements the server's internals.
type DisplayLauncher interface {
	Start(ctx context.Context, display, port int, opts map[string]string) error
	Stop(ctx context.Context, display int) error
}

// Handle is a streaming view of a spawned process. Lines carries merged
// stdout/stderr and is closed when the process exits.
type Handle interface {
	Pid() int
	Lines() <-chan string
	// Wait blocks up to timeout for the process to exit and returns its
	// exit code. A timeout is reported as an error, not an exit.
	Wait(timeout time.Duration) (int, error)
	Terminate() error
	Kill() error
}

// RunResult is the outcome of a one-shot command.
type RunResult struct {
	ExitCode int
	Output   string
}

type CommandRunner interface {
	Start(ctx context.Context, spec domain.CommandSpec) (Handle, error)
	Run(ctx context.Context, spec domain.CommandSpec) (*RunResult, error)
}

// ProcessControl isolates platform-specific pid probing and signalling so
// the liveness loop never touches syscalls directly. Alive is best-effort:
// an inconclusive probe counts as not alive.
type ProcessControl interface {
	Alive(pid int) bool
	Group(pid int) (int, error)
	Terminate(pgid int) error
	Kill(pgid int) error
}

// DisplayRefs is the refcounting face of the display manager, split out
// so the process registry can be tested against a fake.
type DisplayRefs interface {
	Acquire(display int) int
	Release(display int)
}

// EventSink receives structured observer events. Implementations must be
// best-effort: a slow or failing sink never blocks or aborts the caller.
type EventSink interface {
	Emit(ev domain.Event)
}
