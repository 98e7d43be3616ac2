package services

import (
	"fmt"
	"sync"
	"time"

	"previz.stage/internal/core/domain"
	"previz.stage/internal/core/logger"
	"previz.stage/internal/core/ports"
)

const stopPollInterval = 100 * time.Millisecond

// ProcessRegistry supervises spawned OS processes by logical name. One
// shared polling loop probes liveness for every entry; a process that
// disappears is unregistered automatically and its display reference
// released.
//
// The probe is pid-based and best-effort: pid reuse by the OS can alias a
// dead process to a live one (or the reverse). That is accepted here
// rather than patched with start-time fingerprinting.
type ProcessRegistry struct {
	mu    sync.RWMutex
	procs map[string]*domain.ManagedProcess

	displays ports.DisplayRefs
	control  ports.ProcessControl
	sink     ports.EventSink
	interval time.Duration

	monitorOnce sync.Once
	stopCh      chan struct{}
}

func NewProcessRegistry(displays ports.DisplayRefs, control ports.ProcessControl, sink ports.EventSink, interval time.Duration) *ProcessRegistry {
	return &ProcessRegistry{
		procs:    make(map[string]*domain.ManagedProcess),
		displays: displays,
		control:  control,
		sink:     sink,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Register stores a ManagedProcess and, when a display is given, acquires
// a reference on it. Registering a name that is already present is a
// bookkeeping hazard and is rejected. The shared liveness loop is started
// on first use.
func (r *ProcessRegistry) Register(name string, pid int, display, streamPort int) error {
	if name == "" {
		return fmt.Errorf("process name cannot be empty")
	}

	r.mu.Lock()
	if _, exists := r.procs[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("process %q already registered", name)
	}
	r.procs[name] = &domain.ManagedProcess{
		Name:       name,
		Pid:        pid,
		Display:    display,
		StreamPort: streamPort,
		StartedAt:  time.Now(),
	}
	r.mu.Unlock()

	if display != 0 {
		r.displays.Acquire(display)
	}

	r.monitorOnce.Do(func() {
		go r.monitorLoop()
	})

	logger.Info("Process registered", "name", name, "pid", pid, "display", display)
	return nil
}

// Unregister removes the record and releases its display reference
// exactly once. It is idempotent; unknown names are a no-op.
func (r *ProcessRegistry) Unregister(name string) {
	r.mu.Lock()
	proc, ok := r.procs[name]
	if ok {
		delete(r.procs, name)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	// Release after dropping our own lock: the display manager must never
	// be called while the registry is held.
	if proc.Display != 0 {
		r.displays.Release(proc.Display)
	}

	logger.Info("Process unregistered", "name", name, "pid", proc.Pid)
}

// Get returns a copy of the named process record.
func (r *ProcessRegistry) Get(name string) (domain.ManagedProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proc, ok := r.procs[name]
	if !ok {
		return domain.ManagedProcess{}, false
	}
	return *proc, true
}

// List returns a snapshot of all supervised processes.
func (r *ProcessRegistry) List() []domain.ManagedProcess {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ManagedProcess, 0, len(r.procs))
	for _, proc := range r.procs {
		out = append(out, *proc)
	}
	return out
}

// Count returns the number of supervised processes.
func (r *ProcessRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.procs)
}

// Stop terminates the named process and its whole process group: SIGTERM
// first, then SIGKILL after the grace period. A target that already
// exited between lookup and signal is normal and reported as success.
func (r *ProcessRegistry) Stop(name string, grace time.Duration) error {
	proc, ok := r.Get(name)
	if !ok {
		// Already cleaned up, nothing to do.
		return nil
	}

	defer r.Unregister(name)

	pgid, err := r.control.Group(proc.Pid)
	if err != nil {
		logger.Debug("Process gone before stop", "name", name, "pid", proc.Pid)
		return nil
	}

	if err := r.control.Terminate(pgid); err != nil {
		logger.Warn("Terminate signal failed", "name", name, "pgid", pgid, "error", err)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !r.control.Alive(proc.Pid) {
			return nil
		}
		time.Sleep(stopPollInterval)
	}

	logger.Warn("Process did not exit in grace period, killing group",
		"name", name, "pgid", pgid, "grace", grace)
	if err := r.control.Kill(pgid); err != nil {
		logger.Warn("Kill signal failed", "name", name, "pgid", pgid, "error", err)
	}
	return nil
}

// Close stops the liveness loop. Supervised processes are left running.
func (r *ProcessRegistry) Close() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

func (r *ProcessRegistry) monitorLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.checkOnce()
		}
	}
}

// checkOnce probes every supervised pid against a snapshot copy, so the
// registry lock is never held across probes. Any negative or inconclusive
// probe counts as "process gone".
func (r *ProcessRegistry) checkOnce() {
	for _, proc := range r.List() {
		if r.control.Alive(proc.Pid) {
			continue
		}

		logger.Info("Process exited, cleaning up", "name", proc.Name, "pid", proc.Pid)
		r.Unregister(proc.Name)

		if r.sink != nil {
			r.sink.Emit(domain.Event{
				Type:    domain.EventStatusChange,
				Name:    proc.Name,
				Display: proc.Display,
				Status:  "exited",
				Time:    time.Now(),
			})
		}
	}
}
